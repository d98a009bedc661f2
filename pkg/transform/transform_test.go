package transform

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gristmill/gristmill/pkg/dataset"
	"github.com/gristmill/gristmill/pkg/errors"
)

func salesPartition() *dataset.Dataset {
	ds := dataset.New([]string{"date", "quantity", "unit_price", "discount"})
	ds.Append(dataset.Row{"date": "2024-03-15", "quantity": int64(4), "unit_price": 25.0, "discount": 0.1})
	ds.Append(dataset.Row{"date": "2024-03-16", "quantity": int64(2), "unit_price": 150.0, "discount": 0.0})
	ds.Append(dataset.Row{"date": "2024-03-17", "quantity": int64(1), "unit_price": 480.0, "discount": 0.25})
	return ds
}

func TestNewStrategy(t *testing.T) {
	tests := []struct {
		name    string
		want    string
		wantErr bool
	}{
		{"sales", "sales", false},
		{"accounting", "accounting", false},
		{"  Sales ", "sales", false},
		{"fulfillment", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := New(tt.name)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.IsKind(err, errors.KindConfig))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, s.Name())
		})
	}
}

func TestSalesDerivations(t *testing.T) {
	s := &SalesStrategy{}
	out, err := s.Transform(context.Background(), salesPartition(), Options{})
	require.NoError(t, err)

	row := out.Rows[0]
	assert.Equal(t, int64(2024), row["year"])
	assert.Equal(t, int64(3), row["month"])
	assert.Equal(t, int64(15), row["day"])
	// 2024-03-15 is a Friday; Monday = 0
	assert.Equal(t, int64(4), row["weekday"])
	assert.InDelta(t, 90.0, row["revenue"].(float64), 1e-9)
	assert.InDelta(t, 10.0, row["discount_amount"].(float64), 1e-9)

	assert.Equal(t, "low", out.Rows[0]["price_category"])
	assert.Equal(t, "mid", out.Rows[1]["price_category"])
	assert.Equal(t, "high", out.Rows[2]["price_category"])

	for _, col := range []string{"year", "month", "day", "weekday", "revenue", "discount_amount", "price_category"} {
		assert.True(t, out.HasColumn(col), "column %q missing from order", col)
	}
}

func TestSalesMissingColumn(t *testing.T) {
	s := &SalesStrategy{}
	ds := dataset.New([]string{"date", "quantity"})
	ds.Append(dataset.Row{"date": "2024-01-01", "quantity": int64(1)})

	_, err := s.Transform(context.Background(), ds, Options{})

	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindTransform))
}

func TestSalesBadDate(t *testing.T) {
	s := &SalesStrategy{}
	ds := dataset.New([]string{"date", "quantity", "unit_price"})
	ds.Append(dataset.Row{"date": "not-a-date", "quantity": int64(1), "unit_price": 10.0})

	_, err := s.Transform(context.Background(), ds, Options{})

	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindTransform))
}

func TestSalesDateTypes(t *testing.T) {
	s := &SalesStrategy{}
	ds := dataset.New([]string{"date", "quantity", "unit_price"})
	ds.Append(dataset.Row{"date": time.Date(2023, 7, 3, 0, 0, 0, 0, time.UTC), "quantity": int64(1), "unit_price": 10.0})
	ds.Append(dataset.Row{"date": "2023/07/04", "quantity": int64(1), "unit_price": 10.0})

	out, err := s.Transform(context.Background(), ds, Options{})
	require.NoError(t, err)
	assert.Equal(t, int64(0), out.Rows[0]["weekday"], "2023-07-03 is a Monday")
	assert.Equal(t, int64(4), out.Rows[1]["day"])
}

func TestSalesSortOption(t *testing.T) {
	s := &SalesStrategy{}
	out, err := s.Transform(context.Background(), salesPartition(), Options{SortColumn: "revenue", Descending: true})
	require.NoError(t, err)

	first := out.Rows[0]["revenue"].(float64)
	second := out.Rows[1]["revenue"].(float64)
	assert.GreaterOrEqual(t, first, second)
}

func TestAccountingNormalization(t *testing.T) {
	s := &AccountingStrategy{}
	ds := dataset.New([]string{"date", "company", "account_code", "debit", "credit"})
	ds.Append(dataset.Row{"date": "2024-02-29", "company": "ACME", "account_code": " ar-100 ", "debit": "1500.50", "credit": ""})
	ds.Append(dataset.Row{"date": "2024-02-29", "company": "ACME", "account_code": "AP200", "debit": nil, "credit": 300.25})

	out, err := s.Transform(context.Background(), ds, Options{})
	require.NoError(t, err)

	first := out.Rows[0]
	assert.Equal(t, 1500.50, first["debit"])
	assert.Equal(t, 0.0, first["credit"])
	assert.InDelta(t, 1500.50, first["net"].(float64), 1e-9)
	assert.Equal(t, "2024-02", first["period"])
	assert.Equal(t, "AR-100", first["account_code"])

	second := out.Rows[1]
	assert.Equal(t, 0.0, second["debit"])
	assert.InDelta(t, -300.25, second["net"].(float64), 1e-9)

	assert.True(t, out.HasColumn("net"))
	assert.True(t, out.HasColumn("period"))
}

func TestAccountingRequiresDate(t *testing.T) {
	s := &AccountingStrategy{}
	ds := dataset.New([]string{"debit", "credit"})
	ds.Append(dataset.Row{"debit": 1.0, "credit": 2.0})

	_, err := s.Transform(context.Background(), ds, Options{})

	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindTransform))
}

func TestStrategiesAreConcurrencySafe(t *testing.T) {
	s := &SalesStrategy{}
	source := salesPartition()

	var wg sync.WaitGroup
	results := make([]*dataset.Dataset, 8)
	errs := make([]error, 8)

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = s.Transform(context.Background(), source.Clone(), Options{})
		}(i)
	}
	wg.Wait()

	for i := 0; i < 8; i++ {
		require.NoError(t, errs[i])
		assert.InDelta(t, 90.0, results[i].Rows[0]["revenue"].(float64), 1e-9)
	}
}

func TestTransformHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := &AccountingStrategy{}
	_, err := s.Transform(ctx, salesPartition(), Options{})

	assert.ErrorIs(t, err, context.Canceled)
}
