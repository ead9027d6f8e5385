package taskstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulpfleet/reposync/errs"
)

func TestParseTaskFilters_ValidKeys(t *testing.T) {
	filters, order, err := ParseTaskFilters(map[string]string{
		"state":             "queued",
		"name__like":        "%sync%",
		"order_by":          "date_queued",
		"sort_by":           "desc",
	})
	require.NoError(t, err)
	assert.Len(t, filters, 2)
	require.NotNil(t, order)
	assert.Equal(t, "date_queued", order.Column)
	assert.Equal(t, Desc, order.Direction)
}

func TestParseTaskFilters_RejectsUnknownField(t *testing.T) {
	_, _, err := ParseTaskFilters(map[string]string{"password__eq": "x"})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.FilterError))
}

func TestParseTaskFilters_RejectsUnknownOperator(t *testing.T) {
	_, _, err := ParseTaskFilters(map[string]string{"name__frobnicate": "x"})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.FilterError))
}

func TestParseTaskFilters_TranslatesEnumByName(t *testing.T) {
	filters, _, err := ParseTaskFilters(map[string]string{"state": "failed"})
	require.NoError(t, err)
	require.Len(t, filters, 1)
	assert.Equal(t, "failed", filters[0].Value)
}

func TestValidatePage_RejectsOversizedPage(t *testing.T) {
	err := ValidatePage(Page{Page: 1, PageSize: 500}, 100)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.PageSizeTooLarge))
}

func TestValidatePage_AllowsWithinBound(t *testing.T) {
	err := ValidatePage(Page{Page: 1, PageSize: 50}, 100)
	require.NoError(t, err)
}

func TestPage_Offset(t *testing.T) {
	assert.Equal(t, 0, Page{Page: 1, PageSize: 20}.Offset())
	assert.Equal(t, 0, Page{Page: 0, PageSize: 20}.Offset())
	assert.Equal(t, 20, Page{Page: 2, PageSize: 20}.Offset())
	assert.Equal(t, 40, Page{Page: 3, PageSize: 20}.Offset())
}

func TestBuild_InClause(t *testing.T) {
	where, args := Build([]Filter{{Field: "state", Op: OpIn, Value: "queued,running"}}, 0)
	assert.Equal(t, "state IN ($1, $2)", where)
	assert.Equal(t, []any{"queued", "running"}, args)
}
