package jobplan

// Plan is the YAML scheduling plan of a deployment
// ⭐ SSOT: 스케줄 계획은 이 구조체로만 표현
type Plan struct {
	Meta      Meta             `yaml:"meta" json:"meta"`
	Reference ReferenceJob     `yaml:"reference" json:"reference"`
	Jobs      []AggregationJob `yaml:"jobs" json:"jobs"`
}

// Meta identifies the plan
type Meta struct {
	PlanID   string `yaml:"plan_id" json:"plan_id"`
	Timezone string `yaml:"timezone" json:"timezone"` // IANA name, empty = local
}

// ReferenceJob schedules the reference refresh; empty schedule disables it
type ReferenceJob struct {
	Schedule string `yaml:"schedule" json:"schedule"`
}

// AggregationJob is one scheduled aggregation
type AggregationJob struct {
	Name     string   `yaml:"name" json:"name"`
	Schedule string   `yaml:"schedule" json:"schedule"`
	Features []string `yaml:"features" json:"features"` // empty = every feature
	Limit    int      `yaml:"limit" json:"limit"`       // newest N partitions, 0 = all
}

// Default is the plan used without a plan file
func Default(aggregation, reference string) *Plan {
	return &Plan{
		Meta:      Meta{PlanID: "default"},
		Reference: ReferenceJob{Schedule: reference},
		Jobs: []AggregationJob{
			{Name: "daily_aggregation", Schedule: aggregation},
		},
	}
}
