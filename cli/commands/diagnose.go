package commands

import (
	"context"
	"fmt"
	"io"
	"runtime"
	"strings"
	"time"

	"github.com/AshkanYarmoradi/go-kin/changefeed/natsfeed"
	"github.com/AshkanYarmoradi/go-kin/cli/config"
	"github.com/AshkanYarmoradi/go-kin/cli/styles"
	"github.com/AshkanYarmoradi/go-kin/cli/ui"
	"github.com/spf13/cobra"
)

// CheckStatus represents the status of a diagnostic check
type CheckStatus int

const (
	StatusOK CheckStatus = iota
	StatusWarning
	StatusError
)

// CheckResult represents the result of a diagnostic check
type CheckResult struct {
	Name           string
	Status         CheckStatus
	Message        string
	Recommendation string
}

func newCheckResult(name string, status CheckStatus, message string) CheckResult {
	return CheckResult{Name: name, Status: status, Message: message}
}

func (r CheckResult) withRecommendation(rec string) CheckResult {
	r.Recommendation = rec
	return r
}

// diagnosis carries what earlier checks found to later ones.
type diagnosis struct {
	cfg *config.Config
	env *Env
}

// DiagnosticCheck represents a diagnostic check function
type DiagnosticCheck struct {
	Name  string
	Check func(ctx context.Context, d *diagnosis) CheckResult
}

// NewDiagnoseCommand creates the diagnose command
func NewDiagnoseCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "diagnose",
		Short: "Run diagnostic checks",
		Long: `Run diagnostic checks on your kin setup.

This command verifies:
  • Configuration file validity
  • Database connectivity and schema version
  • Dead-letter destination
  • NATS connectivity when the nats feed is configured`,
		Aliases: []string{"diag", "doctor"},
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := runDiagnose(cmd.Context(), cmd.OutOrStdout())
			return err
		},
	}
}

func diagnosticChecks() []DiagnosticCheck {
	return []DiagnosticCheck{
		{Name: "Go Version", Check: checkGoVersion},
		{Name: "Configuration", Check: checkConfiguration},
		{Name: "Database Connection", Check: checkDatabaseConnection},
		{Name: "Event Store Schema", Check: checkEventStoreSchema},
		{Name: "Dead Letters", Check: checkDeadLetters},
		{Name: "Change Feed", Check: checkChangeFeed},
	}
}

// runDiagnose prints every check and reports whether all passed.
func runDiagnose(ctx context.Context, out io.Writer) (bool, error) {
	fmt.Fprintln(out, ui.SimpleBanner())
	fmt.Fprintln(out)
	fmt.Fprintln(out, styles.Title.Render("Running Diagnostics"))

	d := &diagnosis{}
	defer func() {
		if d.env != nil {
			d.env.Close()
		}
	}()

	var results []CheckResult
	allPassed := true
	for _, check := range diagnosticChecks() {
		fmt.Fprintf(out, "  %s Checking %s... ", styles.IconPending, check.Name)

		result := check.Check(ctx, d)
		results = append(results, result)

		switch result.Status {
		case StatusOK:
			fmt.Fprintln(out, styles.SuccessStyle.Render("OK"))
		case StatusWarning:
			fmt.Fprintln(out, styles.WarningStyle.Render("WARNING"))
			allPassed = false
		default:
			fmt.Fprintln(out, styles.ErrorStyle.Render("FAILED"))
			allPassed = false
		}
		if result.Message != "" {
			fmt.Fprintf(out, "    %s\n", styles.Muted.Render(result.Message))
		}
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, ui.Divider(50))
	fmt.Fprintln(out)

	if allPassed {
		fmt.Fprintln(out, styles.FormatSuccess("All checks passed! Your kin setup is healthy."))
		return true, nil
	}

	fmt.Fprintln(out, styles.FormatWarning("Some checks failed or have warnings."))
	fmt.Fprintln(out)
	fmt.Fprintln(out, styles.Subtitle.Render("Recommendations:"))
	for _, r := range results {
		if r.Recommendation != "" {
			fmt.Fprintf(out, "  %s %s\n", styles.IconArrow, r.Recommendation)
		}
	}
	return false, nil
}

func checkGoVersion(context.Context, *diagnosis) CheckResult {
	return newCheckResult("Go Version", StatusOK, runtime.Version())
}

func checkConfiguration(_ context.Context, d *diagnosis) CheckResult {
	const name = "Configuration"
	cfg, err := loadConfig()
	if err != nil {
		return newCheckResult(name, StatusWarning, err.Error()).
			withRecommendation("Run 'kin init' to create a configuration file")
	}
	if problems := cfg.Validate(); len(problems) > 0 {
		return newCheckResult(name, StatusError, strings.Join(problems, "; ")).
			withRecommendation("Fix the reported fields in " + config.ConfigFileName)
	}
	d.cfg = cfg
	return newCheckResult(name, StatusOK, fmt.Sprintf("driver=%s feed=%s", cfg.Database.Driver, cfg.ChangeFeed.Driver))
}

func checkDatabaseConnection(ctx context.Context, d *diagnosis) CheckResult {
	const name = "Database Connection"
	if d.cfg == nil {
		return newCheckResult(name, StatusWarning, "Skipped (no valid configuration)")
	}
	env, err := newEnv(ctx, d.cfg)
	if err != nil {
		return newCheckResult(name, StatusError, err.Error()).
			withRecommendation("Check database.url and that the database is reachable")
	}
	d.env = env
	return newCheckResult(name, StatusOK, "Connected ("+d.cfg.Database.Driver+")")
}

func checkEventStoreSchema(ctx context.Context, d *diagnosis) CheckResult {
	const name = "Event Store Schema"
	if d.env == nil {
		return newCheckResult(name, StatusWarning, "Skipped (no database connection)")
	}
	m, ok := d.env.Adapter.(migrator)
	if !ok {
		return newCheckResult(name, StatusOK, "Memory driver has no schema")
	}
	v, err := m.MigrationVersion(ctx)
	if err != nil {
		return newCheckResult(name, StatusError, err.Error())
	}
	if v == 0 {
		return newCheckResult(name, StatusWarning, "Schema not created").
			withRecommendation("Run 'kin migrate up'")
	}
	return newCheckResult(name, StatusOK, fmt.Sprintf("Version %d", v))
}

func checkDeadLetters(_ context.Context, d *diagnosis) CheckResult {
	const name = "Dead Letters"
	if d.env == nil {
		return newCheckResult(name, StatusWarning, "Skipped (no database connection)")
	}
	dest := d.env.DeadLetters.Destination()
	if dest == "memory" {
		return newCheckResult(name, StatusWarning, "Dead letters are kept in memory only").
			withRecommendation("Set dead_letter.driver to kafka, sns or sqs in production")
	}
	return newCheckResult(name, StatusOK, dest)
}

func checkChangeFeed(_ context.Context, d *diagnosis) CheckResult {
	const name = "Change Feed"
	if d.cfg == nil {
		return newCheckResult(name, StatusWarning, "Skipped (no valid configuration)")
	}
	cf := d.cfg.ChangeFeed
	if cf.Driver != "nats" {
		return newCheckResult(name, StatusOK, "Polling the event store every "+cf.PollInterval.String())
	}
	client, err := natsfeed.ConnectWithRetry(cf.NATSURL, cf.Stream, cf.SubjectPrefix, 2*time.Second)
	if err != nil {
		return newCheckResult(name, StatusError, err.Error()).
			withRecommendation("Check change_feed.nats_url and that JetStream is enabled")
	}
	client.Close()
	return newCheckResult(name, StatusOK, "JetStream stream "+cf.Stream)
}

// NewVersionCommand creates the version command
func NewVersionCommand(version, commit, buildDate string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, ui.SimpleBanner())
			fmt.Fprintln(out)
			fmt.Fprintln(out, styles.FormatKeyValue("Version", version))
			fmt.Fprintln(out, styles.FormatKeyValue("Commit", commit))
			fmt.Fprintln(out, styles.FormatKeyValue("Built", buildDate))
			fmt.Fprintln(out, styles.FormatKeyValue("Go", runtime.Version()))
			fmt.Fprintln(out, styles.FormatKeyValue("Platform", runtime.GOOS+"/"+runtime.GOARCH))
		},
	}
}
