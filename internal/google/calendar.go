package google

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/calnotify/calnotify/internal/model"
)

// Fetcher returns the normalized occurrences in a user's primary calendar
// for a time window. Recurring events arrive already expanded; the engine
// never sees recurrence rules.
type Fetcher interface {
	FetchWindow(ctx context.Context, userID int64, from, to time.Time) ([]model.Occurrence, error)
}

// CalendarFetcher implements Fetcher over the Calendar REST API.
type CalendarFetcher struct {
	creds   *CredentialProvider
	retries int
	logger  zerolog.Logger
}

func NewCalendarFetcher(creds *CredentialProvider, retries int, logger zerolog.Logger) *CalendarFetcher {
	return &CalendarFetcher{
		creds:   creds,
		retries: retries,
		logger:  logger.With().Str("component", "calendar-fetcher").Logger(),
	}
}

// FetchWindow lists events in [from, to), expands recurrences server-side,
// and keeps only confirmed events carrying a video-call link. Transient
// API failures are retried with exponential backoff before giving up for
// this cycle.
func (f *CalendarFetcher) FetchWindow(ctx context.Context, userID int64, from, to time.Time) ([]model.Occurrence, error) {
	client, err := f.creds.Client(ctx, userID)
	if err != nil {
		return nil, err
	}

	svc, err := calendar.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		return nil, fmt.Errorf("create calendar service: %w", err)
	}

	var resp *calendar.Events
	backoff := time.Second
	for attempt := 0; ; attempt++ {
		resp, err = svc.Events.List("primary").
			SingleEvents(true).
			TimeMin(from.UTC().Format(time.RFC3339)).
			TimeMax(to.UTC().Format(time.RFC3339)).
			OrderBy("startTime").
			Context(ctx).
			Do()
		if err == nil {
			break
		}

		err = classifyFetchError(err)
		if !model.IsTransient(err) || attempt+1 >= f.retries {
			return nil, err
		}

		f.logger.Debug().Err(err).Int64("user_id", userID).Int("attempt", attempt+1).Msg("retrying calendar fetch")
		select {
		case <-ctx.Done():
			return nil, model.TransientErr(ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	var occs []model.Occurrence
	for _, item := range resp.Items {
		occ, ok := mapEvent(item, resp.TimeZone)
		if !ok {
			continue
		}
		occs = append(occs, occ)
	}

	f.logger.Debug().Int64("user_id", userID).Int("count", len(occs)).Msg("calendar window fetched")
	return occs, nil
}

// mapEvent normalizes a calendar item into a UTC occurrence. Cancelled
// events and events without a meet link are dropped here so the engine
// only ever sees notifiable occurrences.
func mapEvent(item *calendar.Event, calendarTZ string) (model.Occurrence, bool) {
	if item.Status == "cancelled" || item.HangoutLink == "" {
		return model.Occurrence{}, false
	}
	if item.Start == nil || item.End == nil {
		return model.Occurrence{}, false
	}

	tz := item.Start.TimeZone
	if tz == "" {
		tz = calendarTZ
	}

	start, ok := parseEventTime(item.Start, tz)
	if !ok {
		return model.Occurrence{}, false
	}
	end, ok := parseEventTime(item.End, tz)
	if !ok {
		return model.Occurrence{}, false
	}

	return model.Occurrence{
		EventID:  item.Id,
		Title:    item.Summary,
		Start:    start.UTC(),
		End:      end.UTC(),
		Timezone: tz,
		MeetLink: item.HangoutLink,
	}, true
}

// parseEventTime handles both timed events (RFC3339 DateTime) and all-day
// events, which carry only a date and must be anchored in the event's own
// timezone rather than the poller's.
func parseEventTime(edt *calendar.EventDateTime, tz string) (time.Time, bool) {
	if edt.DateTime != "" {
		t, err := time.Parse(time.RFC3339, edt.DateTime)
		if err != nil {
			return time.Time{}, false
		}
		return t, true
	}
	if edt.Date != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			loc = time.UTC
		}
		t, err := time.ParseInLocation("2006-01-02", edt.Date, loc)
		if err != nil {
			return time.Time{}, false
		}
		return t, true
	}
	return time.Time{}, false
}

// classifyFetchError maps API failures onto the engine's error classes.
func classifyFetchError(err error) error {
	if IsRefreshDenied(err) {
		return model.AuthErr(err)
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusUnauthorized:
			return model.AuthErr(err)
		case apiErr.Code == http.StatusForbidden && !isRateLimited(apiErr):
			return model.AuthErr(err)
		default:
			// 403 rate limits, 429, and 5xx all clear up on their own.
			return model.TransientErr(err)
		}
	}

	// Anything else is network-level.
	return model.TransientErr(err)
}

func isRateLimited(apiErr *googleapi.Error) bool {
	for _, e := range apiErr.Errors {
		if strings.Contains(e.Reason, "ateLimit") || e.Reason == "quotaExceeded" {
			return true
		}
	}
	return false
}
