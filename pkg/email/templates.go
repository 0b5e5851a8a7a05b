package email

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// PendingPayout is one line of the admin digest.
type PendingPayout struct {
	RequestID    string
	ReferrerName string
	Amount       string
	RequestedAt  time.Time
}

// EarningsSummary is a referrer's activity over a period.
type EarningsSummary struct {
	Period      string
	Redemptions int
	Earned      string
	Available   string
}

var printer = message.NewPrinter(language.English)

// FormatAmount renders a minor-unit amount with its currency symbol.
func FormatAmount(amountMinor int64, code string) string {
	major := decimal.New(amountMinor, -2)
	unit, err := currency.ParseISO(strings.ToUpper(code))
	if err != nil {
		return fmt.Sprintf("%s %s", major.StringFixed(2), strings.ToUpper(code))
	}
	return printer.Sprint(currency.Symbol(unit.Amount(major.InexactFloat64())))
}

// FormatDecimal renders a major-unit balance with its currency symbol.
func FormatDecimal(amount decimal.Decimal, code string) string {
	return FormatAmount(amount.Shift(2).Round(0).IntPart(), code)
}

func button(href, label, color string) string {
	return fmt.Sprintf(`<p><a href="%s" style="background-color: %s; color: white; padding: 14px 20px; text-decoration: none; border-radius: 4px; display: inline-block;">%s</a></p>`, href, color, label)
}

// buildApplicationStatusEmail returns the email content for an application decision.
func buildApplicationStatusEmail(name, role, status, code, baseURL string) (subject, html, plainText string) {
	if status == "approved" {
		subject = fmt.Sprintf("Your %s application has been approved", role)
		html = fmt.Sprintf(`
		<html>
		<body>
			<h2>Welcome aboard!</h2>
			<p>Hi %s,</p>
			<p>Your <strong>%s</strong> application has been approved. Your referral code is:</p>
			<p style="font-size: 24px; font-weight: bold; letter-spacing: 2px;">%s</p>
			<p>Share it with your audience. Every purchase made with it earns you commission.</p>
			%s
			<p>Thanks,<br>The Partnerships Team</p>
		</body>
		</html>
	`, name, role, code, button(baseURL+"/dashboard", "Go to Dashboard", "#4CAF50"))

		plainText = fmt.Sprintf(`Hi %s,

Your %s application has been approved. Your referral code is:

    %s

Share it with your audience. Every purchase made with it earns you commission.

Visit your dashboard: %s/dashboard

Thanks,
The Partnerships Team
`, name, role, code, baseURL)
		return
	}

	subject = fmt.Sprintf("Update on your %s application", role)
	html = fmt.Sprintf(`
		<html>
		<body>
			<h2>Application Update</h2>
			<p>Hi %s,</p>
			<p>Thank you for applying to our %s program. We are not able to approve your application at this time.</p>
			<p>You are welcome to update your profile and apply again.</p>
			<p>Thanks,<br>The Partnerships Team</p>
		</body>
		</html>
	`, name, role)

	plainText = fmt.Sprintf(`Hi %s,

Thank you for applying to our %s program. We are not able to approve your application at this time.

You are welcome to update your profile and apply again.

Thanks,
The Partnerships Team
`, name, role)
	return
}

// buildPayoutProcessedEmail returns the email content for a sent payout.
func buildPayoutProcessedEmail(name, amount, baseURL string) (subject, html, plainText string) {
	subject = fmt.Sprintf("Your payout of %s is on its way", amount)

	html = fmt.Sprintf(`
		<html>
		<body>
			<h2>Payout Sent</h2>
			<p>Hi %s,</p>
			<p>We have sent <strong>%s</strong> to your connected payout account. Funds usually arrive within a few business days.</p>
			%s
			<p>Thanks,<br>The Partnerships Team</p>
		</body>
		</html>
	`, name, amount, button(baseURL+"/dashboard/payouts", "View Payouts", "#2196F3"))

	plainText = fmt.Sprintf(`Hi %s,

We have sent %s to your connected payout account. Funds usually arrive within a few business days.

View your payouts: %s/dashboard/payouts

Thanks,
The Partnerships Team
`, name, amount, baseURL)
	return
}

// buildPendingPayoutDigestEmail returns the admin digest of pending payouts.
func buildPendingPayoutDigestEmail(items []PendingPayout, baseURL string) (subject, html, plainText string) {
	subject = fmt.Sprintf("%d payout requests awaiting review", len(items))

	var rows, lines strings.Builder
	for _, it := range items {
		fmt.Fprintf(&rows, "<tr><td>%s</td><td>%s</td><td>%s</td></tr>", it.ReferrerName, it.Amount, it.RequestedAt.Format("2006-01-02"))
		fmt.Fprintf(&lines, "- %s: %s (requested %s)\n", it.ReferrerName, it.Amount, it.RequestedAt.Format("2006-01-02"))
	}

	html = fmt.Sprintf(`
		<html>
		<body>
			<h2>Pending Payouts</h2>
			<table cellpadding="6">
				<tr><th>Referrer</th><th>Amount</th><th>Requested</th></tr>
				%s
			</table>
			%s
		</body>
		</html>
	`, rows.String(), button(baseURL+"/admin/payouts", "Review Payouts", "#FF9800"))

	plainText = fmt.Sprintf(`Pending payout requests:

%s
Review them at %s/admin/payouts
`, lines.String(), baseURL)
	return
}

// buildEarningsSummaryEmail returns a referrer's periodic summary.
func buildEarningsSummaryEmail(name string, s EarningsSummary, baseURL string) (subject, html, plainText string) {
	subject = fmt.Sprintf("Your earnings for %s", s.Period)

	html = fmt.Sprintf(`
		<html>
		<body>
			<h2>Earnings Summary</h2>
			<p>Hi %s,</p>
			<p>Here is how your code performed during %s:</p>
			<ul>
				<li>Redemptions: <strong>%d</strong></li>
				<li>Earned: <strong>%s</strong></li>
				<li>Available balance: <strong>%s</strong></li>
			</ul>
			%s
			<p>Thanks,<br>The Partnerships Team</p>
		</body>
		</html>
	`, name, s.Period, s.Redemptions, s.Earned, s.Available, button(baseURL+"/dashboard", "Go to Dashboard", "#4CAF50"))

	plainText = fmt.Sprintf(`Hi %s,

Here is how your code performed during %s:

- Redemptions: %d
- Earned: %s
- Available balance: %s

Visit your dashboard: %s/dashboard

Thanks,
The Partnerships Team
`, name, s.Period, s.Redemptions, s.Earned, s.Available, baseURL)
	return
}

// buildCodeExpiringEmail warns about an upcoming code expiry.
func buildCodeExpiringEmail(name, code string, validTo time.Time, baseURL string) (subject, html, plainText string) {
	date := validTo.Format("January 2, 2006")
	subject = fmt.Sprintf("Your code %s expires on %s", code, date)

	html = fmt.Sprintf(`
		<html>
		<body>
			<h2>Code Expiring Soon</h2>
			<p>Hi %s,</p>
			<p>Your referral code <strong>%s</strong> stops accepting redemptions on <strong>%s</strong>.</p>
			<p>Contact us if you would like it extended.</p>
			%s
			<p>Thanks,<br>The Partnerships Team</p>
		</body>
		</html>
	`, name, code, date, button(baseURL+"/dashboard", "Go to Dashboard", "#2196F3"))

	plainText = fmt.Sprintf(`Hi %s,

Your referral code %s stops accepting redemptions on %s.

Contact us if you would like it extended.

Thanks,
The Partnerships Team
`, name, code, date)
	return
}

// buildStatementReadyEmail links to a generated statement.
func buildStatementReadyEmail(name, period, url string) (subject, html, plainText string) {
	subject = fmt.Sprintf("Your statement for %s is ready", period)

	html = fmt.Sprintf(`
		<html>
		<body>
			<h2>Monthly Statement</h2>
			<p>Hi %s,</p>
			<p>Your statement for %s is ready to download.</p>
			%s
			<p>Thanks,<br>The Partnerships Team</p>
		</body>
		</html>
	`, name, period, button(url, "Download Statement", "#4A90E2"))

	plainText = fmt.Sprintf(`Hi %s,

Your statement for %s is ready to download:

%s

Thanks,
The Partnerships Team
`, name, period, url)
	return
}
