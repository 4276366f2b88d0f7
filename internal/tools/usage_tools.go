package tools

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/nugget/toolloop/internal/usage"
)

// UsageInput is the argument object for the usage_summary tool.
type UsageInput struct {
	Period  string `json:"period,omitempty" jsonschema:"enum=today,enum=yesterday,enum=week,enum=month,enum=all" jsonschema_description:"Time period to summarize (default all)"`
	ByModel bool   `json:"by_model,omitempty" jsonschema_description:"Break the totals down by model"`
}

// RegisterUsageTool registers usage_summary, which reports model token
// usage for the current conversation and for the chosen period.
func RegisterUsageTool(r *Registry, store *usage.Store, now func() time.Time) error {
	if store == nil {
		return errors.New("usage tool needs a store")
	}
	if now == nil {
		now = time.Now
	}
	err := RegisterFunc(r, "usage_summary",
		"Report your own model token usage: this conversation, plus totals for a period.",
		func(ctx context.Context, in UsageInput) (any, error) {
			start, end, err := usage.Period(in.Period, now())
			if err != nil {
				return nil, &ErrInvalidArguments{Name: "usage_summary", Err: err}
			}
			period := in.Period
			if period == "" {
				period = "all"
			}

			var sb strings.Builder
			if id := ConversationIDFromContext(ctx); id != "" {
				conv, err := store.Conversation(ctx, id)
				if err != nil {
					return nil, err
				}
				sb.WriteString("This conversation:\n")
				writeUsageLine(&sb, conv)
			}

			total, err := store.Summary(ctx, start, end)
			if err != nil {
				return nil, err
			}
			fmt.Fprintf(&sb, "All conversations (%s):\n", period)
			writeUsageLine(&sb, total)

			if in.ByModel {
				byModel, err := store.SummaryByModel(ctx, start, end)
				if err != nil {
					return nil, err
				}
				for _, model := range slices.Sorted(maps.Keys(byModel)) {
					fmt.Fprintf(&sb, "  %s: ", model)
					writeUsageLine(&sb, byModel[model])
				}
			}
			return sb.String(), nil
		})
	if err != nil {
		return err
	}
	return r.SetCategory("usage_summary", CategoryCompute)
}

func writeUsageLine(sb *strings.Builder, s usage.Summary) {
	fmt.Fprintf(sb, "  %d model calls, %s in / %s out, %s\n",
		s.Calls, usage.FormatTokens(s.TotalInputTokens), usage.FormatTokens(s.TotalOutputTokens),
		s.TotalDuration.Round(time.Millisecond))
}
