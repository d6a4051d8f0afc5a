package tui

import "github.com/fentz26/courier/internal/models"

// view is the panel shown in the main area.
type view int

const (
	viewWorkers view = iota
	viewPartners
	viewRecords
)

var viewNames = []string{"WORKERS", "PARTNERS", "RECORDS"}

func (v view) next() view {
	return (v + 1) % view(len(viewNames))
}

func (v view) String() string {
	return viewNames[v]
}

// PoolStatus mirrors GET /workers.
type PoolStatus struct {
	Workers []models.WorkerInfo `json:"workers"`
	Stats   struct {
		Workers      int    `json:"workers"`
		Size         int    `json:"size"`
		InFlight     int    `json:"in_flight"`
		Restarts     int64  `json:"restarts"`
		LostInFlight int64  `json:"lost_in_flight"`
		Spawner      string `json:"spawner"`
	} `json:"stats"`
	QueueDepth int `json:"queue_depth"`
}

// PartnerStatus mirrors GET /partners.
type PartnerStatus struct {
	Partners  []models.Partner `json:"partners"`
	Available int              `json:"available"`
}

// Receipt mirrors a submission result.
type Receipt struct {
	ID       string `json:"id"`
	Lane     string `json:"lane"`
	Priority int    `json:"priority"`
	Status   string `json:"status"`
	Worker   string `json:"worker"`
	Error    string `json:"error"`
}
