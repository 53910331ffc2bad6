package arena

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gosimple/slug"
)

// MatchTemplate describes a match created once per day.
type MatchTemplate struct {
	Title    string
	Type     string
	EntryFee Coins
}

// NewMatchTemplate derives the type tag from the title.
func NewMatchTemplate(title string, entryFee int64) (MatchTemplate, error) {
	trimmed := strings.TrimSpace(title)
	matchType := slug.Make(trimmed)
	if matchType == "" {
		return MatchTemplate{}, fmt.Errorf("%w: empty title", ErrInvalidMatchTemplate)
	}
	if entryFee < 0 {
		return MatchTemplate{}, fmt.Errorf("%w: %d", ErrInvalidEntryFee, entryFee)
	}
	return MatchTemplate{Title: trimmed, Type: matchType, EntryFee: Coins(entryFee)}, nil
}

// ParseMatchTemplates parses "Title:fee" pairs separated by commas.
func ParseMatchTemplates(raw string) ([]MatchTemplate, error) {
	templates := []MatchTemplate{}
	for _, part := range strings.Split(raw, matchTemplateDelimiter) {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		separator := strings.LastIndex(trimmed, matchTemplateFeeSplitter)
		if separator <= 0 {
			return nil, fmt.Errorf("%w: %q must be title%sfee", ErrInvalidMatchTemplate, trimmed, matchTemplateFeeSplitter)
		}
		fee, err := strconv.ParseInt(strings.TrimSpace(trimmed[separator+1:]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrInvalidEntryFee, trimmed, err)
		}
		template, err := NewMatchTemplate(trimmed[:separator], fee)
		if err != nil {
			return nil, err
		}
		templates = append(templates, template)
	}
	return templates, nil
}

// MatchGenerator creates each template's daily match.
type MatchGenerator struct {
	matches   MatchStore
	templates []MatchTemplate
	location  *time.Location
	nowFn     func() int64
	settings
}

// NewMatchGenerator wires a MatchGenerator. A nil location means UTC.
func NewMatchGenerator(matches MatchStore, templates []MatchTemplate, location *time.Location, now func() int64, options ...Option) (*MatchGenerator, error) {
	if matches == nil {
		return nil, fmt.Errorf("%w: match store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	if location == nil {
		location = time.UTC
	}
	return &MatchGenerator{
		matches:   matches,
		templates: templates,
		location:  location,
		nowFn:     now,
		settings:  newSettings(options),
	}, nil
}

// Generate creates a match for every template whose type has no match since local
// midnight. Concurrent runs may both create one; that duplicate is tolerated.
func (generator *MatchGenerator) Generate(ctx context.Context) ([]Match, error) {
	nowUnixUTC := generator.nowFn()
	midnight := startOfDay(time.Unix(nowUnixUTC, 0).In(generator.location))
	created := []Match{}
	var failures []error
	for _, template := range generator.templates {
		var count int64
		err := generator.bounded(ctx, func(ctx context.Context) error {
			var countError error
			count, countError = generator.matches.CountMatchesSince(ctx, template.Type, midnight.Unix())
			return countError
		})
		if err != nil {
			failures = append(failures, fmt.Errorf("template %s: %w", template.Type, err))
			continue
		}
		if count > 0 {
			continue
		}
		var match Match
		err = generator.bounded(ctx, func(ctx context.Context) error {
			var createError error
			match, createError = generator.matches.CreateMatch(ctx, Match{
				Title:          template.Title,
				Type:           template.Type,
				Status:         MatchStatusUpcoming,
				EntryFee:       template.EntryFee,
				CreatedUnixUTC: nowUnixUTC,
			})
			return createError
		})
		if err != nil {
			failures = append(failures, fmt.Errorf("template %s: %w", template.Type, err))
			continue
		}
		created = append(created, match)
	}
	operationError := errors.Join(failures...)
	generator.logOperation(ctx, OperationLog{
		Operation: operationGenerateMatches,
		Error:     operationError,
	})
	return created, operationError
}

func startOfDay(moment time.Time) time.Time {
	year, month, day := moment.Date()
	return time.Date(year, month, day, 0, 0, 0, 0, moment.Location())
}
