package mapper

import (
	"time"

	"github.com/noah-isme/campus-cal-sync/internal/models"
	appErrors "github.com/noah-isme/campus-cal-sync/pkg/errors"
)

// offsetLayout renders an explicit numeric UTC offset. Zone abbreviations
// are ambiguous and the sink rejects them.
const offsetLayout = "2006-01-02T15:04:05-07:00"

// ToSinkEvent converts a source event into the calendar API's upload shape,
// shifting begin/end into loc. Pure and idempotent: the same input always
// yields a byte-identical payload. Server-assigned fields are left zero so
// they are omitted on upload.
func ToSinkEvent(ev models.SourceEvent, loc *time.Location) (models.SinkEvent, error) {
	begin, err := time.Parse(time.RFC3339, ev.BeginAt)
	if err != nil {
		return models.SinkEvent{}, appErrors.Wrap(err, appErrors.ErrMapping.Code, appErrors.ErrMapping.Status, "parse begin_at")
	}
	end, err := time.Parse(time.RFC3339, ev.EndAt)
	if err != nil {
		return models.SinkEvent{}, appErrors.Wrap(err, appErrors.ErrMapping.Code, appErrors.ErrMapping.Status, "parse end_at")
	}

	return models.SinkEvent{
		Summary:     ev.Name,
		Location:    ev.Location,
		Description: ev.Description,
		Start: models.SinkEventTime{
			DateTime: begin.In(loc).Format(offsetLayout),
			TimeZone: loc.String(),
		},
		End: models.SinkEventTime{
			DateTime: end.In(loc).Format(offsetLayout),
			TimeZone: loc.String(),
		},
	}, nil
}
