// Package report builds referrer statements as Excel workbooks and stores
// them in S3 or a local directory.
package report

import (
	"context"
	"fmt"
	"time"

	"github.com/partnerhub/api/pkg/domain"
	"github.com/partnerhub/api/pkg/payout"
	"github.com/partnerhub/api/pkg/redemption"
	"github.com/partnerhub/api/pkg/referrer"
	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// RedemptionSource lists redemptions in a window.
type RedemptionSource interface {
	ListBetween(ctx context.Context, from, to time.Time) ([]*redemption.Redemption, error)
}

// PayoutSource lists processed payout requests in a window.
type PayoutSource interface {
	ListProcessedBetween(ctx context.Context, from, to time.Time) ([]*payout.Request, error)
}

// Statement describes a generated statement file.
type Statement struct {
	ReferrerID  string          `json:"referrer_id"`
	Period      string          `json:"period"`
	Key         string          `json:"key"`
	URL         string          `json:"url"`
	Redemptions int             `json:"redemptions"`
	Earned      decimal.Decimal `json:"earned"`
	PaidOut     decimal.Decimal `json:"paid_out"`
}

// Service generates statements
type Service struct {
	redemptions RedemptionSource
	payouts     PayoutSource
	storage     Storage
}

// NewService creates a new report service
func NewService(redemptions RedemptionSource, payouts PayoutSource, storage Storage) *Service {
	return &Service{redemptions: redemptions, payouts: payouts, storage: storage}
}

// MonthBounds returns [first of month, first of next month) for t in UTC.
func MonthBounds(t time.Time) (time.Time, time.Time) {
	t = t.UTC()
	from := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	return from, from.AddDate(0, 1, 0)
}

// Statements builds one statement per referrer with activity in [from, to).
func (s *Service) Statements(ctx context.Context, refs []*referrer.Referrer, from, to time.Time) ([]*Statement, error) {
	redemptions, err := s.redemptions.ListBetween(ctx, from, to)
	if err != nil {
		return nil, err
	}
	payouts, err := s.payouts.ListProcessedBetween(ctx, from, to)
	if err != nil {
		return nil, err
	}

	byRef := make(map[string][]*redemption.Redemption)
	for _, r := range redemptions {
		byRef[r.ReferrerID] = append(byRef[r.ReferrerID], r)
	}
	paidByRef := make(map[string][]*payout.Request)
	for _, p := range payouts {
		if p.Status == domain.PayoutApproved {
			paidByRef[p.ReferrerID] = append(paidByRef[p.ReferrerID], p)
		}
	}

	var out []*Statement
	for _, ref := range refs {
		if len(byRef[ref.ID]) == 0 && len(paidByRef[ref.ID]) == 0 {
			continue
		}
		st, err := s.build(ctx, ref, byRef[ref.ID], paidByRef[ref.ID], from)
		if err != nil {
			return out, err
		}
		out = append(out, st)
	}
	return out, nil
}

func (s *Service) build(ctx context.Context, ref *referrer.Referrer, redemptions []*redemption.Redemption, payouts []*payout.Request, from time.Time) (*Statement, error) {
	period := from.Format("2006-01")
	st := &Statement{ReferrerID: ref.ID, Period: period, Redemptions: len(redemptions)}

	f := excelize.NewFile()
	defer f.Close()

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#E0E0E0"}, Pattern: 1},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create style: %w", err)
	}

	if _, err := f.NewSheet("Redemptions"); err != nil {
		return nil, fmt.Errorf("failed to create sheet: %w", err)
	}
	writeHeader(f, "Redemptions", headerStyle, "Date", "Code", "Order Amount", "Discount", "Final Amount", "Commission Rate", "Earned")
	for i, r := range redemptions {
		row := i + 2
		f.SetSheetRow("Redemptions", fmt.Sprintf("A%d", row), &[]any{
			r.RedeemedAt.Format(time.RFC3339), r.Code,
			r.OriginalAmount.InexactFloat64(), r.DiscountAmount.InexactFloat64(), r.FinalAmount.InexactFloat64(),
			r.CommissionRate.InexactFloat64(), r.ReferrerRevenue.InexactFloat64(),
		})
		st.Earned = st.Earned.Add(r.ReferrerRevenue)
	}

	if _, err := f.NewSheet("Payouts"); err != nil {
		return nil, fmt.Errorf("failed to create sheet: %w", err)
	}
	writeHeader(f, "Payouts", headerStyle, "Processed", "Amount", "Currency", "Transfer")
	for i, p := range payouts {
		row := i + 2
		var amount decimal.Decimal
		if p.SettledAmount != nil {
			amount = *p.SettledAmount
		}
		processed := ""
		if p.ProcessedAt != nil {
			processed = p.ProcessedAt.Format(time.RFC3339)
		}
		f.SetSheetRow("Payouts", fmt.Sprintf("A%d", row), &[]any{processed, amount.InexactFloat64(), p.Currency, p.TransferID})
		st.PaidOut = st.PaidOut.Add(amount)
	}

	const summary = "Summary"
	if err := f.SetSheetName("Sheet1", summary); err != nil {
		return nil, fmt.Errorf("failed to create sheet: %w", err)
	}
	rows := [][]any{
		{"Referrer", ref.Name},
		{"Role", string(ref.Role)},
		{"Period", period},
		{"Redemptions", st.Redemptions},
		{"Earned", st.Earned.InexactFloat64()},
		{"Paid Out", st.PaidOut.InexactFloat64()},
	}
	for i, r := range rows {
		f.SetSheetRow(summary, fmt.Sprintf("A%d", i+1), &r)
	}
	f.SetCellStyle(summary, "A1", fmt.Sprintf("A%d", len(rows)), headerStyle)
	f.SetColWidth(summary, "A", "B", 20)
	f.SetActiveSheet(0)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("failed to render statement: %w", err)
	}

	st.Key = fmt.Sprintf("statements/%s/%s.xlsx", period, ref.ID)
	st.URL, err = s.storage.Put(ctx, st.Key, buf.Bytes(), xlsxContentType)
	if err != nil {
		return nil, err
	}
	return st, nil
}

func writeHeader(f *excelize.File, sheet string, style int, headers ...string) {
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		f.SetCellValue(sheet, cell, h)
		f.SetCellStyle(sheet, cell, cell, style)
	}
	last, _ := excelize.ColumnNumberToName(len(headers))
	f.SetColWidth(sheet, "A", last, 16)
}
