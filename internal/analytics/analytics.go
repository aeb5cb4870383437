package analytics

import (
	"context"
	"sort"
	"time"

	"aegis-sentry/internal/storage"
)

type Service struct {
	store *storage.Store
}

func New(store *storage.Store) *Service {
	return &Service{store: store}
}

type Report struct {
	Total     int
	ByAction  map[string]int
	TopActors []Actor
}

type Actor struct {
	UserID string
	Count  int
}

// Report aggregates the guild's admin action log since the given time,
// feeding the /security report command.
func (s *Service) Report(ctx context.Context, guildID string, since time.Time) (Report, error) {
	logs, err := s.store.ListActionLogs(ctx, guildID, since)
	if err != nil {
		return Report{}, err
	}

	report := Report{ByAction: make(map[string]int)}
	byActor := make(map[string]int)
	for _, log := range logs {
		report.Total++
		report.ByAction[log.ActionType]++
		byActor[log.UserID]++
	}

	for userID, count := range byActor {
		report.TopActors = append(report.TopActors, Actor{UserID: userID, Count: count})
	}
	sort.Slice(report.TopActors, func(i, j int) bool {
		if report.TopActors[i].Count != report.TopActors[j].Count {
			return report.TopActors[i].Count > report.TopActors[j].Count
		}
		return report.TopActors[i].UserID < report.TopActors[j].UserID
	})
	if len(report.TopActors) > 5 {
		report.TopActors = report.TopActors[:5]
	}
	return report, nil
}
