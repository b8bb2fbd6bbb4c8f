package cli

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"gopkg.in/yaml.v3"

	"github.com/and161185/harvester/internal/model"
)

type serviceView struct {
	Name             string `yaml:"name"`
	Enabled          bool   `yaml:"enabled"`
	Running          bool   `yaml:"running"`
	Syncing          bool   `yaml:"syncing"`
	LastSync         string `yaml:"lastSync"`
	LastSyncAt       string `yaml:"lastSyncAt,omitempty"`
	NextRun          string `yaml:"nextRun,omitempty"`
	TimeUntilNextRun string `yaml:"timeUntilNextRun,omitempty"`
	failed           bool
}

type backfillView struct {
	Family        string `yaml:"family"`
	Status        string `yaml:"status"`
	Phase         string `yaml:"phase,omitempty"`
	Current       int    `yaml:"current"`
	Total         int    `yaml:"total"`
	MessageCount  int    `yaml:"messageCount"`
	ItemsUploaded int    `yaml:"itemsUploaded"`
	FailedPage    int    `yaml:"failedPage,omitempty"`
	Error         string `yaml:"error,omitempty"`
}

type statusView struct {
	Services  []serviceView  `yaml:"services,omitempty"`
	Backfills []backfillView `yaml:"backfills,omitempty"`
}

func servicesOf(st ...model.ServiceStatus) []model.ServiceStatus { return st }

func backfillsOf(st ...model.BackfillState) []model.BackfillState { return st }

func newStatusView(services []model.ServiceStatus, fills []model.BackfillState) statusView {
	var v statusView
	for _, s := range services {
		sv := serviceView{
			Name:     s.Name,
			Enabled:  s.IsEnabled,
			Running:  s.IsRunning,
			Syncing:  s.Syncing,
			LastSync: s.LastSyncStatus.String(),
			failed:   s.LastSyncStatus.State == model.RunError,
		}
		if !s.LastSyncStatus.At.IsZero() {
			sv.LastSyncAt = s.LastSyncStatus.At.UTC().Format(time.RFC3339)
		}
		if s.NextRunTime != nil {
			sv.NextRun = s.NextRunTime.UTC().Format(time.RFC3339)
			sv.TimeUntilNextRun = s.TimeUntilNextRun.Round(time.Second).String()
		}
		v.Services = append(v.Services, sv)
	}
	for _, b := range fills {
		v.Backfills = append(v.Backfills, backfillView{
			Family:        b.Family,
			Status:        string(b.Status),
			Phase:         string(b.Phase),
			Current:       b.Current,
			Total:         b.Total,
			MessageCount:  b.MessageCount,
			ItemsUploaded: b.ItemsUploaded,
			FailedPage:    b.FailedPage,
			Error:         b.Error,
		})
	}
	return v
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	errStyle    = cellStyle.Foreground(lipgloss.Color("9"))
)

func writeStatus(w io.Writer, format string, v statusView) error {
	if format == "yaml" {
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	}

	if len(v.Services) > 0 {
		rows := make([][]string, 0, len(v.Services))
		for _, s := range v.Services {
			next := "-"
			if s.NextRun != "" {
				next = fmt.Sprintf("%s (in %s)", s.NextRun, s.TimeUntilNextRun)
			}
			rows = append(rows, []string{s.Name, yesNo(s.Enabled), runningLabel(s), s.LastSync, next})
		}
		t := table.New().
			Border(lipgloss.NormalBorder()).
			Headers("SOURCE", "ENABLED", "RUNNING", "LAST SYNC", "NEXT RUN").
			Rows(rows...).
			StyleFunc(func(row, col int) lipgloss.Style {
				switch {
				case row == table.HeaderRow:
					return headerStyle
				case col == 3 && row >= 0 && row < len(v.Services) && v.Services[row].failed:
					return errStyle
				default:
					return cellStyle
				}
			})
		if _, err := fmt.Fprintln(w, t.Render()); err != nil {
			return err
		}
	}

	if len(v.Backfills) > 0 {
		rows := make([][]string, 0, len(v.Backfills))
		for _, b := range v.Backfills {
			progress := strconv.Itoa(b.Current) + "/" + strconv.Itoa(b.Total)
			errText := b.Error
			if b.FailedPage > 0 {
				errText = fmt.Sprintf("batch %d: %s", b.FailedPage, b.Error)
			}
			rows = append(rows, []string{b.Family, b.Status, b.Phase, progress, strconv.Itoa(b.ItemsUploaded), errText})
		}
		t := table.New().
			Border(lipgloss.NormalBorder()).
			Headers("FAMILY", "STATUS", "PHASE", "BATCHES", "UPLOADED", "ERROR").
			Rows(rows...).
			StyleFunc(func(row, _ int) lipgloss.Style {
				if row == table.HeaderRow {
					return headerStyle
				}
				return cellStyle
			})
		if _, err := fmt.Fprintln(w, t.Render()); err != nil {
			return err
		}
	}
	return nil
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func runningLabel(s serviceView) string {
	if s.Syncing {
		return "syncing"
	}
	return yesNo(s.Running)
}
