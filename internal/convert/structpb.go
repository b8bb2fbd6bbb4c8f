// Package convert maps domain snapshots to and from the structpb bodies of the control API.
package convert

import (
	"fmt"
	"time"

	model "github.com/and161185/harvester/internal/model"
	"google.golang.org/protobuf/types/known/structpb"
)

// --- helpers ---

func ts(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

type fields map[string]any

func (f fields) str(k string) string {
	s, _ := f[k].(string)
	return s
}

func (f fields) boolean(k string) bool {
	b, _ := f[k].(bool)
	return b
}

func (f fields) num(k string) int64 {
	n, _ := f[k].(float64)
	return int64(n)
}

func (f fields) time(k string) (time.Time, error) {
	s := f.str(k)
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("field %q: %w", k, err)
	}
	return t, nil
}

func asFields(s *structpb.Struct) fields {
	if s == nil {
		return fields{}
	}
	return s.AsMap()
}

// --- JobRunResult ---

func runResultMap(r model.JobRunResult) map[string]any {
	return map[string]any{
		"state":   string(r.State),
		"message": r.Message,
		"at":      ts(r.At),
	}
}

// ToStructRunResult encodes a sync outcome.
func ToStructRunResult(r model.JobRunResult) (*structpb.Struct, error) {
	return structpb.NewStruct(runResultMap(r))
}

// FromStructRunResult decodes a sync outcome.
func FromStructRunResult(s *structpb.Struct) (model.JobRunResult, error) {
	return runResultFrom(asFields(s))
}

func runResultFrom(f fields) (model.JobRunResult, error) {
	at, err := f.time("at")
	if err != nil {
		return model.JobRunResult{}, err
	}
	return model.JobRunResult{
		State:   model.RunState(f.str("state")),
		Message: f.str("message"),
		At:      at,
	}, nil
}

// --- ServiceStatus ---

func serviceStatusMap(st model.ServiceStatus) map[string]any {
	m := map[string]any{
		"name":               st.Name,
		"isRunning":          st.IsRunning,
		"isEnabled":          st.IsEnabled,
		"syncing":            st.Syncing,
		"lastSyncStatus":     runResultMap(st.LastSyncStatus),
		"nextRunTime":        nil,
		"timeUntilNextRunMs": st.TimeUntilNextRun.Milliseconds(),
	}
	if st.NextRunTime != nil {
		m["nextRunTime"] = ts(*st.NextRunTime)
	}
	return m
}

// ToStructServiceStatus encodes a scheduler snapshot.
func ToStructServiceStatus(st model.ServiceStatus) (*structpb.Struct, error) {
	return structpb.NewStruct(serviceStatusMap(st))
}

// FromStructServiceStatus decodes a scheduler snapshot.
func FromStructServiceStatus(s *structpb.Struct) (model.ServiceStatus, error) {
	return serviceStatusFrom(asFields(s))
}

func serviceStatusFrom(f fields) (model.ServiceStatus, error) {
	st := model.ServiceStatus{
		Name:             f.str("name"),
		IsRunning:        f.boolean("isRunning"),
		IsEnabled:        f.boolean("isEnabled"),
		Syncing:          f.boolean("syncing"),
		TimeUntilNextRun: time.Duration(f.num("timeUntilNextRunMs")) * time.Millisecond,
	}
	if last, ok := f["lastSyncStatus"].(map[string]any); ok {
		r, err := runResultFrom(last)
		if err != nil {
			return model.ServiceStatus{}, fmt.Errorf("lastSyncStatus: %w", err)
		}
		st.LastSyncStatus = r
	}
	next, err := f.time("nextRunTime")
	if err != nil {
		return model.ServiceStatus{}, err
	}
	if !next.IsZero() {
		st.NextRunTime = &next
	}
	return st, nil
}

// ToStructServiceStatuses encodes a list of snapshots under "services".
func ToStructServiceStatuses(list []model.ServiceStatus) (*structpb.Struct, error) {
	items := make([]any, 0, len(list))
	for _, st := range list {
		items = append(items, serviceStatusMap(st))
	}
	return structpb.NewStruct(map[string]any{"services": items})
}

// FromStructServiceStatuses decodes the "services" list.
func FromStructServiceStatuses(s *structpb.Struct) ([]model.ServiceStatus, error) {
	items, _ := asFields(s)["services"].([]any)
	out := make([]model.ServiceStatus, 0, len(items))
	for i, it := range items {
		m, ok := it.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("services[%d]: not an object", i)
		}
		st, err := serviceStatusFrom(m)
		if err != nil {
			return nil, fmt.Errorf("services[%d]: %w", i, err)
		}
		out = append(out, st)
	}
	return out, nil
}

// --- BackfillState ---

func backfillMap(b model.BackfillState) map[string]any {
	return map[string]any{
		"family":        b.Family,
		"status":        string(b.Status),
		"phase":         string(b.Phase),
		"current":       b.Current,
		"total":         b.Total,
		"messageCount":  b.MessageCount,
		"itemsUploaded": b.ItemsUploaded,
		"failedPage":    b.FailedPage,
		"error":         b.Error,
		"startedAt":     ts(b.StartedAt),
		"finishedAt":    ts(b.FinishedAt),
	}
}

// ToStructBackfill encodes a backfill progress snapshot.
func ToStructBackfill(b model.BackfillState) (*structpb.Struct, error) {
	return structpb.NewStruct(backfillMap(b))
}

// FromStructBackfill decodes a backfill progress snapshot.
func FromStructBackfill(s *structpb.Struct) (model.BackfillState, error) {
	return backfillFrom(asFields(s))
}

func backfillFrom(f fields) (model.BackfillState, error) {
	started, err := f.time("startedAt")
	if err != nil {
		return model.BackfillState{}, err
	}
	finished, err := f.time("finishedAt")
	if err != nil {
		return model.BackfillState{}, err
	}
	return model.BackfillState{
		Family:        f.str("family"),
		Status:        model.BackfillStatus(f.str("status")),
		Phase:         model.BackfillPhase(f.str("phase")),
		Current:       int(f.num("current")),
		Total:         int(f.num("total")),
		MessageCount:  int(f.num("messageCount")),
		ItemsUploaded: int(f.num("itemsUploaded")),
		FailedPage:    int(f.num("failedPage")),
		Error:         f.str("error"),
		StartedAt:     started,
		FinishedAt:    finished,
	}, nil
}

// ToStructBackfills encodes a list of snapshots under "backfills".
func ToStructBackfills(list []model.BackfillState) (*structpb.Struct, error) {
	items := make([]any, 0, len(list))
	for _, b := range list {
		items = append(items, backfillMap(b))
	}
	return structpb.NewStruct(map[string]any{"backfills": items})
}

// FromStructBackfills decodes the "backfills" list.
func FromStructBackfills(s *structpb.Struct) ([]model.BackfillState, error) {
	items, _ := asFields(s)["backfills"].([]any)
	out := make([]model.BackfillState, 0, len(items))
	for i, it := range items {
		m, ok := it.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("backfills[%d]: not an object", i)
		}
		b, err := backfillFrom(m)
		if err != nil {
			return nil, fmt.Errorf("backfills[%d]: %w", i, err)
		}
		out = append(out, b)
	}
	return out, nil
}
