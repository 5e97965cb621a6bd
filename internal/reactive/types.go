package reactive

import (
	"fmt"
	"strings"
	"time"

	"github.com/zoravur/budgetsync/internal/source"
)

// DefaultStaleTime applies to descriptors that leave StaleTime zero.
const DefaultStaleTime = 5 * time.Minute

// Descriptor identifies and configures one logical query. The cache slot
// is derived from Table and QueryKey only; callers must vary QueryKey
// whenever Filter, Select or Sort change.
type Descriptor struct {
	Table    string
	QueryKey []string
	Select   string
	Filter   source.Filter
	Sort     *source.Sort

	// StaleTime bounds the age of a cached result that may be served
	// without a network call. Zero means DefaultStaleTime; cache.Forever
	// never goes stale.
	StaleTime time.Duration

	Disabled     bool // skip execution, e.g. while a required id is unknown
	ForceRefresh bool
	Realtime     bool

	// Single marks a query expected to yield at most one row.
	Single bool

	Identity string // defaults to "id"

	// OnError replaces the user notification for remote failures.
	OnError func(error)
}

func (d Descriptor) withDefaults() Descriptor {
	if d.Select == "" {
		d.Select = source.DefaultSelect
	}
	if d.StaleTime == 0 {
		d.StaleTime = DefaultStaleTime
	}
	if d.Identity == "" {
		d.Identity = source.DefaultIdentity
	}
	d.QueryKey = append([]string(nil), d.QueryKey...)
	return d
}

func (d Descriptor) query() source.Query {
	return source.Query{Table: d.Table, Select: d.Select, Filter: d.Filter, Sort: d.Sort}
}

func (d Descriptor) String() string {
	return d.Table + "[" + strings.Join(d.QueryKey, ",") + "]"
}

// State is what an observer sees of one query result.
type State struct {
	Data      []source.Row
	Single    bool
	Loading   bool
	Invalid   bool
	Err       error
	UpdatedAt time.Time // fetch time of Data, unchanged by realtime patches
}

// One returns the row of a single-row result, or nil.
func (s State) One() source.Row {
	if len(s.Data) == 0 {
		return nil
	}
	return s.Data[0]
}

// Change is published on the registry bus after every realtime event.
type Change struct {
	Table    string
	QueryKey []string
}

// SubscriptionState is the lifecycle of one realtime channel.
type SubscriptionState int

const (
	Inactive SubscriptionState = iota
	Subscribing
	Active
	Teardown
)

func (s SubscriptionState) String() string {
	switch s {
	case Inactive:
		return "INACTIVE"
	case Subscribing:
		return "SUBSCRIBING"
	case Active:
		return "ACTIVE"
	case Teardown:
		return "TEARDOWN"
	default:
		return fmt.Sprintf("SubscriptionState(%d)", int(s))
	}
}

// SubscriptionHandle describes a realtime channel owned by an observer.
type SubscriptionHandle struct {
	Table     string
	ChannelID string
	State     SubscriptionState
}

type MutationType string

const (
	Insert MutationType = "INSERT"
	Update MutationType = "UPDATE"
	Delete MutationType = "DELETE"
	Upsert MutationType = "UPSERT"
)

// MutationRequest is one write against Table.
type MutationRequest struct {
	Type        MutationType
	Table       string
	Data        source.Row
	ID          string
	MatchColumn string // defaults to "id"
	OnConflict  string // upsert conflict column, defaults to "id"
}

// Validate checks the local preconditions of r.
func (r MutationRequest) Validate() error {
	switch r.Type {
	case Insert, Upsert:
		if r.Data == nil {
			return &ValidationError{Op: r.Type, Table: r.Table, Msg: "data required"}
		}
	case Update, Delete:
		if r.ID == "" {
			return &ValidationError{Op: r.Type, Table: r.Table, Msg: "ID required"}
		}
	default:
		return &ValidationError{Op: r.Type, Table: r.Table, Msg: "unknown mutation type"}
	}
	if r.Table == "" {
		return &ValidationError{Op: r.Type, Msg: "table required"}
	}
	return nil
}

// MutationOptions configure side effects of a successful or failed write.
type MutationOptions struct {
	// InvalidateTables lists tables whose results depend on the mutated one.
	InvalidateTables []string
	OnSuccess        func(source.Row)
	OnError          func(error)
}
