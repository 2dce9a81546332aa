package agents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/mercatoai/mercato-oss/pkg/domain"
	"github.com/mercatoai/mercato-oss/pkg/engine/runtime"
)

// SalesQuery selects which slice of the sales data to report on.
type SalesQuery struct {
	// SKU narrows the report to one product. Empty selects everything.
	SKU string

	// WindowDays is the reporting window. Zero selects the default week.
	WindowDays int
}

// SalesRow is one product line in a sales report.
type SalesRow struct {
	SKU       string
	Name      string
	UnitsSold int
	Revenue   float64
	StockLeft int
}

// SalesReport aggregates product rows over a reporting window.
type SalesReport struct {
	WindowDays int
	Rows       []SalesRow
}

// lowStockThreshold marks rows worth calling out in the summary.
const lowStockThreshold = 20

// Summary renders the report as the plain-text briefing the insight writer
// consumes.
func (r SalesReport) Summary() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Sales over the last %d days:\n", r.WindowDays)
	for _, row := range r.Rows {
		fmt.Fprintf(&sb, "- %s (%s): %d sold, $%.2f revenue, %d left in stock",
			row.Name, row.SKU, row.UnitsSold, row.Revenue, row.StockLeft)
		if row.StockLeft < lowStockThreshold {
			sb.WriteString(" [low stock]")
		}
		sb.WriteString("\n")
	}
	return strings.TrimSpace(sb.String())
}

// SalesQuerier answers sales questions against the retail dataset.
type SalesQuerier interface {
	Query(ctx context.Context, q SalesQuery) (SalesReport, error)
}

// MemorySalesData is a deterministic in-memory dataset standing in for the
// retail warehouse.
type MemorySalesData struct {
	rows []SalesRow
}

// NewMemorySalesData seeds the demo dataset.
func NewMemorySalesData() *MemorySalesData {
	return &MemorySalesData{rows: []SalesRow{
		{SKU: "SKU-1001", Name: "Espresso Beans 1kg", UnitsSold: 132, Revenue: 1980.00, StockLeft: 14},
		{SKU: "SKU-1002", Name: "Pour-Over Kettle", UnitsSold: 41, Revenue: 2870.00, StockLeft: 58},
		{SKU: "SKU-1003", Name: "Ceramic Mug Set", UnitsSold: 77, Revenue: 1540.00, StockLeft: 9},
		{SKU: "SKU-1004", Name: "Cold Brew Bottle", UnitsSold: 25, Revenue: 625.00, StockLeft: 112},
		{SKU: "SKU-1005", Name: "Burr Grinder", UnitsSold: 18, Revenue: 2340.00, StockLeft: 31},
	}}
}

// Query filters the dataset by the query's SKU and echoes the window.
func (m *MemorySalesData) Query(ctx context.Context, q SalesQuery) (SalesReport, error) {
	if err := ctx.Err(); err != nil {
		return SalesReport{}, err
	}

	window := q.WindowDays
	if window <= 0 {
		window = 7
	}

	sku := strings.TrimSpace(strings.ToUpper(q.SKU))
	rows := make([]SalesRow, 0, len(m.rows))
	for _, row := range m.rows {
		if sku != "" && row.SKU != sku {
			continue
		}
		rows = append(rows, row)
	}
	if sku != "" && len(rows) == 0 {
		return SalesReport{}, fmt.Errorf("sales: unknown sku %q", q.SKU)
	}

	sort.Slice(rows, func(i, j int) bool { return rows[i].SKU < rows[j].SKU })
	return SalesReport{WindowDays: window, Rows: rows}, nil
}

// SalesQueryHandler runs a configured sales query and forwards the rendered
// report.
type SalesQueryHandler struct {
	sales    SalesQuerier
	query    SalesQuery
	produces string
	logger   *slog.Logger
}

func newSalesQueryFactory(sales SalesQuerier, logger *slog.Logger) runtime.Factory {
	return func(cfg map[string]any) (runtime.Handler, error) {
		window, err := configInt(cfg, "window_days")
		if err != nil {
			return nil, err
		}
		if window < 0 {
			return nil, fmt.Errorf("sales handler: window_days must not be negative")
		}
		produces := configString(cfg, "produces")
		if produces == "" {
			produces = "text"
		}
		return &SalesQueryHandler{
			sales:    sales,
			query:    SalesQuery{SKU: configString(cfg, "sku"), WindowDays: window},
			produces: produces,
			logger:   logger,
		}, nil
	}
}

func (h *SalesQueryHandler) Handle(ctx context.Context, nc runtime.Context) error {
	report, err := h.sales.Query(ctx, h.query)
	if err != nil {
		return fmt.Errorf("sales query: %w", err)
	}

	nc.Logger().Debug("sales report gathered",
		"window_days", report.WindowDays,
		"rows", len(report.Rows),
	)

	if err := nc.Send(domain.NewMessage(h.produces, report.Summary())); err != nil {
		if errors.Is(err, runtime.ErrNoRoute) {
			nc.YieldOutput(report.Summary())
			return nil
		}
		return err
	}
	return nil
}
