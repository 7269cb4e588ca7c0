package models

type Service struct {
	ServiceID    string  `json:"service_id"`
	Code         string  `json:"code"`
	Name         string  `json:"name"`
	SupervisorID *string `json:"supervisor_id,omitempty"`
}

type Counter struct {
	CounterID string `json:"counter_id"`
	ServiceID string `json:"service_id"`
	Name      string `json:"name"`
}

type CounterStats struct {
	CounterID         string `json:"counter_id"`
	ServiceID         string `json:"service_id"`
	QueueDate         string `json:"queue_date"`
	Served            int    `json:"served"`
	Lapsed            int    `json:"lapsed"`
	Waiting           int    `json:"waiting"`
	AvgServiceSeconds int    `json:"avg_service_seconds"`
}
