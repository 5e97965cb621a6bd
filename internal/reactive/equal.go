package reactive

import (
	"reflect"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/zoravur/budgetsync/internal/source"
)

// Rows may carry values with unexported fields (decimal.Decimal, big.Int);
// they are compared field by field rather than rejected.
var rowsEqualOpts = []cmp.Option{
	cmpopts.EquateEmpty(),
	cmp.Exporter(func(reflect.Type) bool { return true }),
}

func equalRows(a, b []source.Row) bool {
	return cmp.Equal(a, b, rowsEqualOpts...)
}
