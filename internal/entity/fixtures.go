package entity

import (
	"fmt"
	"math/rand"
	"time"

	faker "github.com/go-faker/faker/v4"
	"github.com/shopspring/decimal"

	"github.com/zoravur/budgetsync/internal/source"
	"github.com/zoravur/budgetsync/pkg/prng"
)

// Dataset is a complete budget hierarchy.
type Dataset struct {
	Ministries  []Ministry
	Portfolios  []Portfolio
	Programs    []Program
	Actions     []Action
	Operations  []Operation
	Engagements []Engagement
	Payments    []Payment
}

// Generate builds a hierarchy with fanout children per parent. The same
// seed yields the same ids and amounts. It swaps faker's entropy source,
// so it must not run concurrently with other faker users.
func Generate(seed int64, fanout int) Dataset {
	faker.SetCryptoSource(prng.New(seed))
	rng := rand.New(rand.NewSource(seed))
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	at := func(days int) *time.Time {
		t := base.AddDate(0, 0, days)
		return &t
	}
	money := func(max int64) decimal.Decimal {
		return decimal.New(1000+rng.Int63n(max), -2)
	}

	var d Dataset
	for mi := 0; mi < fanout; mi++ {
		m := Ministry{ID: faker.UUIDHyphenated(), Code: fmt.Sprintf("M%02d", mi+1), Name: faker.Word(), CreatedAt: at(0)}
		d.Ministries = append(d.Ministries, m)
		for pi := 0; pi < fanout; pi++ {
			pf := Portfolio{ID: faker.UUIDHyphenated(), MinistryID: m.ID, Code: fmt.Sprintf("%s.P%d", m.Code, pi+1), Name: faker.Word()}
			d.Portfolios = append(d.Portfolios, pf)
			for gi := 0; gi < fanout; gi++ {
				pg := Program{ID: faker.UUIDHyphenated(), PortfolioID: pf.ID, Code: fmt.Sprintf("%s.%d", pf.Code, gi+1), Name: faker.Word()}
				d.Programs = append(d.Programs, pg)
				a := Action{ID: faker.UUIDHyphenated(), ProgramID: pg.ID, Code: pg.Code + ".A", Name: faker.Word()}
				d.Actions = append(d.Actions, a)
				op := Operation{ID: faker.UUIDHyphenated(), ActionID: a.ID, Code: a.Code + ".O", Name: faker.Word(), Budget: money(10_000_000)}
				d.Operations = append(d.Operations, op)
				day := len(d.Engagements)
				e := Engagement{
					ID:          faker.UUIDHyphenated(),
					OperationID: op.ID,
					Reference:   fmt.Sprintf("ENG-%05d", day+1),
					Amount:      op.Budget.Div(decimal.NewFromInt(2)).Round(2),
					Status:      EngagementValidated,
					EngagedAt:   at(day),
				}
				d.Engagements = append(d.Engagements, e)
				d.Payments = append(d.Payments, Payment{
					ID:           faker.UUIDHyphenated(),
					EngagementID: e.ID,
					Reference:    fmt.Sprintf("PAY-%05d", day+1),
					Amount:       e.Amount.Div(decimal.NewFromInt(4)).Round(2),
					PaidAt:       at(day + 30),
				})
			}
		}
	}
	return d
}

// Rows converts the dataset to rows keyed by table.
func (d Dataset) Rows() (map[string][]source.Row, error) {
	out := make(map[string][]source.Row, 7)
	add := func(table string, n int, item func(int) any) error {
		rows := make([]source.Row, 0, n)
		for i := 0; i < n; i++ {
			row, err := toRow(item(i))
			if err != nil {
				return fmt.Errorf("%s: %w", table, err)
			}
			rows = append(rows, row)
		}
		out[table] = rows
		return nil
	}
	steps := []struct {
		table string
		n     int
		item  func(int) any
	}{
		{Ministries, len(d.Ministries), func(i int) any { return d.Ministries[i] }},
		{Portfolios, len(d.Portfolios), func(i int) any { return d.Portfolios[i] }},
		{Programs, len(d.Programs), func(i int) any { return d.Programs[i] }},
		{Actions, len(d.Actions), func(i int) any { return d.Actions[i] }},
		{Operations, len(d.Operations), func(i int) any { return d.Operations[i] }},
		{Engagements, len(d.Engagements), func(i int) any { return d.Engagements[i] }},
		{Payments, len(d.Payments), func(i int) any { return d.Payments[i] }},
	}
	for _, s := range steps {
		if err := add(s.table, s.n, s.item); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Seeder is implemented by sources that accept bulk rows without change
// events, such as the memory source.
type Seeder interface {
	Seed(table string, rows ...source.Row) error
}

// SeedInto loads d into s, parents first.
func (d Dataset) SeedInto(s Seeder) error {
	rows, err := d.Rows()
	if err != nil {
		return err
	}
	for _, table := range Tables() {
		if err := s.Seed(table, rows[table]...); err != nil {
			return fmt.Errorf("seed %s: %w", table, err)
		}
	}
	return nil
}
