// Copyright 2022 The devicemq Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package coordinator

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/alwitt/devicemq/common"
	"github.com/alwitt/devicemq/events"
)

// SortField the field query results are sorted by
type SortField string

const (
	// SortByTimestamp sort by event timestamp
	SortByTimestamp SortField = "timestamp"
	// SortByName sort by notification or command name
	SortByName SortField = "name"
	// SortByID sort by event ID
	SortByID SortField = "id"
)

// SortOrder ascending or descending
type SortOrder string

const (
	// Ascending smallest first
	Ascending SortOrder = "ASC"
	// Descending largest first
	Descending SortOrder = "DESC"
)

// ParseSortField parse a sort field, defaulting to timestamp
func ParseSortField(raw string) (SortField, error) {
	switch strings.ToLower(raw) {
	case "", string(SortByTimestamp):
		return SortByTimestamp, nil
	case string(SortByName), "notification", "command":
		return SortByName, nil
	case string(SortByID):
		return SortByID, nil
	}
	return "", fmt.Errorf("%w: unknown sort field '%s'", common.ErrInvalidRequest, raw)
}

// ParseSortOrder parse a sort order, defaulting to ascending
func ParseSortOrder(raw string) (SortOrder, error) {
	switch strings.ToUpper(raw) {
	case "", string(Ascending):
		return Ascending, nil
	case string(Descending):
		return Descending, nil
	}
	return "", fmt.Errorf("%w: unknown sort order '%s'", common.ErrInvalidRequest, raw)
}

// FilterAndSort sort events, then skip and take. Ties are broken by ID.
func FilterAndSort(
	found []events.Event, field SortField, order SortOrder, skip int, take int,
) []events.Event {
	sorted := make([]events.Event, len(found))
	copy(sorted, found)
	less := func(a, b events.Event) bool {
		switch field {
		case SortByName:
			if a.Name() != b.Name() {
				return a.Name() < b.Name()
			}
		case SortByTimestamp:
			if !a.Time().Equal(b.Time()) {
				return a.Time().Before(b.Time())
			}
		}
		return a.EntityID() < b.EntityID()
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		if order == Descending {
			return less(sorted[j], sorted[i])
		}
		return less(sorted[i], sorted[j])
	})

	if skip > 0 {
		if skip >= len(sorted) {
			return []events.Event{}
		}
		sorted = sorted[skip:]
	}
	if take > 0 && len(sorted) > take {
		sorted = sorted[:take]
	}
	return sorted
}

// QueryRequest a historical query against the event cache
type QueryRequest struct {
	// Kind notifications or commands
	Kind events.Kind
	// DeviceIDs the devices to read
	DeviceIDs []string
	// Names keep events with these names. Empty keeps all.
	Names []string
	// From keep events at or after this time
	From *time.Time
	// To keep events at or before this time
	To *time.Time
	// SortField the sort field
	SortField SortField
	// SortOrder the sort order
	SortOrder SortOrder
	// Skip drop this many results from the start
	Skip int
	// Take return at most this many results. Zero or less returns all.
	Take int
	// Status keep commands with this status
	Status string
	// UpdatedOnly keep commands which had been updated
	UpdatedOnly bool
}

func (r QueryRequest) validate() error {
	if r.Kind != events.KindNotification && r.Kind != events.KindCommand {
		return fmt.Errorf("%w: unsupported query kind '%s'", common.ErrInvalidRequest, r.Kind)
	}
	if len(r.DeviceIDs) == 0 {
		return fmt.Errorf("%w: at least one device ID is required", common.ErrInvalidRequest)
	}
	for _, deviceID := range r.DeviceIDs {
		if err := common.ValidateDeviceID(deviceID); err != nil {
			return err
		}
	}
	if r.Skip < 0 || r.Take < 0 {
		return fmt.Errorf("%w: skip and take can not be negative", common.ErrInvalidRequest)
	}
	if r.From != nil && r.To != nil && r.To.Before(*r.From) {
		return fmt.Errorf("%w: query end precedes its start", common.ErrInvalidRequest)
	}
	return nil
}
