package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fentz26/courier/internal/controlplane"
	"github.com/fentz26/courier/internal/dispatcher"
	"github.com/fentz26/courier/internal/models"
	"github.com/spf13/cobra"
)

var submitCmd = &cobra.Command{
	Use:   "submit [payload]",
	Short: "Submit a work item",
	Long: `Submits a work item. By default it goes to /work and is routed by
least-connections. Use --high or --path to target the priority lane.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSubmit,
}

var orderCmd = &cobra.Command{
	Use:   "order",
	Short: "Assign a delivery partner and a worker to an order",
	RunE:  runOrder,
}

var workersCmd = &cobra.Command{
	Use:   "workers",
	Short: "List live workers",
	RunE:  runWorkers,
}

var partnersCmd = &cobra.Command{
	Use:   "partners",
	Short: "List delivery partners",
	RunE:  runPartners,
}

var recordsCmd = &cobra.Command{
	Use:   "records",
	Short: "Show decision records",
	RunE:  runRecords,
}

var (
	submitHigh     bool
	submitPath     string
	submitPriority int
	submitCount    int

	orderCustomer string
	orderAddress  string
	orderItems    string

	recordsAction string
	recordsLimit  int
)

func init() {
	submitCmd.Flags().BoolVar(&submitHigh, "high", false, "Send through the priority lane")
	submitCmd.Flags().StringVar(&submitPath, "path", "", "Request path to submit to (e.g. /high-priority/reports)")
	submitCmd.Flags().IntVar(&submitPriority, "priority", -1, "Explicit priority (lower is more urgent); uses /request")
	submitCmd.Flags().IntVar(&submitCount, "count", 1, "Number of copies to submit as one batch")

	orderCmd.Flags().StringVar(&orderCustomer, "customer", "", "Customer name (required)")
	orderCmd.Flags().StringVar(&orderAddress, "address", "", "Delivery address")
	orderCmd.Flags().StringVar(&orderItems, "items", "", "Order items")
	orderCmd.MarkFlagRequired("customer")

	recordsCmd.Flags().StringVar(&recordsAction, "action", "", "Filter by action (e.g. work.dispatch, worker.restart)")
	recordsCmd.Flags().IntVar(&recordsLimit, "limit", 50, "Maximum records to show")
}

// submitTarget resolves the endpoint for a single submission.
func submitTarget() (string, error) {
	switch {
	case submitPriority >= 0:
		return "/request", nil
	case submitPath != "":
		if !strings.HasPrefix(submitPath, "/") {
			return "", fmt.Errorf("path must start with /")
		}
		return submitPath, nil
	case submitHigh:
		return "/high-priority", nil
	}
	return "/work", nil
}

func runSubmit(cmd *cobra.Command, args []string) error {
	payload := ""
	if len(args) > 0 {
		payload = args[0]
	}

	if submitCount > 1 {
		return submitBatch(payload)
	}

	path, err := submitTarget()
	if err != nil {
		return err
	}
	body := map[string]interface{}{"data": payload}
	if submitPriority >= 0 {
		body["priority"] = submitPriority
	}

	resp, err := apiPost(path, body)
	if err != nil {
		return err
	}

	var r dispatcher.Receipt
	if err := json.Unmarshal(resp, &r); err != nil {
		return err
	}
	printReceipts([]dispatcher.Receipt{r})
	return nil
}

func submitBatch(payload string) error {
	lane := models.LaneNormal
	if submitHigh || submitPriority >= 0 {
		lane = models.LanePriority
	}

	items := make([]map[string]interface{}, 0, submitCount)
	for i := 0; i < submitCount; i++ {
		item := map[string]interface{}{
			"lane": lane,
			"data": fmt.Sprintf("%s#%d", payload, i+1),
		}
		if submitPriority >= 0 {
			item["priority"] = submitPriority
		}
		items = append(items, item)
	}

	resp, err := apiPost("/batch", map[string]interface{}{"items": items})
	if err != nil {
		return err
	}

	var receipts []dispatcher.Receipt
	if err := json.Unmarshal(resp, &receipts); err != nil {
		return err
	}
	printReceipts(receipts)
	return nil
}

func printReceipts(receipts []dispatcher.Receipt) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tLANE\tPRIORITY\tSTATUS\tWORKER")
	for _, r := range receipts {
		worker := r.WorkerID
		if r.Error != "" {
			worker = r.Error
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", truncateID(r.ItemID), r.Lane, r.Priority, r.Status, worker)
	}
	w.Flush()
}

func runOrder(cmd *cobra.Command, args []string) error {
	body := models.Order{
		CustomerName:    orderCustomer,
		DeliveryAddress: orderAddress,
		OrderItems:      orderItems,
	}

	resp, err := apiPost("/assign-order", body)
	if err != nil {
		return err
	}

	var a dispatcher.Assignment
	if err := json.Unmarshal(resp, &a); err != nil {
		return err
	}

	fmt.Println(a.Message)
	fmt.Printf("Order:    %s\n", a.Order.ID)
	fmt.Printf("Partner:  %s (#%d)\n", a.Partner.Name, a.Partner.ID)
	fmt.Printf("Worker:   %s\n", a.Worker)
	fmt.Printf("Free at:  %s\n", a.Grant.ExpiresAt.Local().Format(time.RFC3339))
	return nil
}

func runWorkers(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/workers")
	if err != nil {
		return err
	}

	var st controlplane.WorkersStatus
	if err := json.Unmarshal(resp, &st); err != nil {
		return err
	}

	fmt.Printf("Pool: %d/%d %s workers, %d in flight, %d restarts, %d lost, %d queued\n\n",
		st.Stats.Workers, st.Stats.Size, st.Stats.Spawner, st.Stats.InFlight,
		st.Stats.Restarts, st.Stats.LostInFlight, st.QueueDepth)

	if len(st.Workers) == 0 {
		fmt.Println("No live workers")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "WORKER\tIN-FLIGHT\tSTARTED\tFINISHED\tSPAWNED")
	for _, wk := range st.Workers {
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%s\n", wk.ID, wk.InFlight, wk.Started, wk.Finished,
			wk.SpawnedAt.Local().Format("15:04:05"))
	}
	w.Flush()
	return nil
}

func runPartners(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/partners")
	if err != nil {
		return err
	}

	var st controlplane.PartnersStatus
	if err := json.Unmarshal(resp, &st); err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATUS\tBUSY UNTIL")
	for _, p := range st.Partners {
		until := ""
		if p.BusyUntil != nil {
			until = p.BusyUntil.Local().Format("15:04:05")
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", p.ID, p.Name, p.State, until)
	}
	w.Flush()
	fmt.Printf("\n%d of %d available\n", st.Available, len(st.Partners))
	return nil
}

func runRecords(cmd *cobra.Command, args []string) error {
	path := fmt.Sprintf("/records?limit=%d", recordsLimit)
	if recordsAction != "" {
		path += "&action=" + recordsAction
	}

	resp, err := apiGet(path)
	if err != nil {
		return err
	}

	var entries []models.PDREntry
	if err := json.Unmarshal(resp, &entries); err != nil {
		return err
	}

	if len(entries) == 0 {
		fmt.Println("No records found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tACTION\tOUTCOME\tSUBJECT\tDETAILS")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", e.Timestamp.Local().Format("15:04:05"),
			e.Action, e.Outcome, truncateID(e.SubjectID), truncate(e.Details, 60))
	}
	w.Flush()
	return nil
}

// --- Helpers ---

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func truncateID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
