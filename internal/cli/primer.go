package cli

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/iambrandonn/scrap/internal/protocol"
	"github.com/iambrandonn/scrap/internal/reminder"
)

// RecapPrompt asks Poke for the structured 7-day recap the app renders
const RecapPrompt = `Using your default integrations (calendar, photos, reminders, email) plus the Mac Messages I've provided above, create a 7-day recap of my last week.

Return your response as valid JSON in this exact format:
{
  "daily_breakdown": [
    {"day": "Monday", "title": "Short Title", "activity_summary": "Description"},
    {"day": "Tuesday", "title": "Short Title", "activity_summary": "Description"},
    ...
  ],
  "top_3_highlights": ["Highlight 1", "Highlight 2", "Highlight 3"],
  "video_script_prompt": "A cheeky suggestion for a 15-second video update based on the highlights.",
  "suggested_recipients": ["Friend Name/Group"]
}`

const recapHours = 168

var (
	primerNotifier = reminder.Notifier{}
	primerNow      = time.Now
)

var primerCmd = &cobra.Command{
	Use:   "primer",
	Short: "Request the weekly recap and manage the recap reminder",
	Long: `Ask Poke for the 7-day recap through the backend's /poke/send route, with
the last week of Messages included. A successful request is recorded as the
last run.

--check-reminder is meant for cron: it shows a desktop notification when
the recap has not run for POKE_REMIND_DAYS days (default 3).`,
	Args: cobra.NoArgs,
	RunE: runPrimer,
}

func init() {
	addBackendFlag(primerCmd)
	primerCmd.Flags().Bool("check-reminder", false, "Notify if the recap is overdue, then exit")
	primerCmd.Flags().Int("set-remind-days", 0, "Set the reminder interval to N days and record a run now")
	primerCmd.Flags().String("state", "", "Reminder state file (default: <user config dir>/scrap/reminder_state.json)")
	primerCmd.MarkFlagsMutuallyExclusive("check-reminder", "set-remind-days")
}

func runPrimer(cmd *cobra.Command, args []string) error {
	logger, err := newLogger(cmd, os.Getenv("LOG_LEVEL"))
	if err != nil {
		return err
	}

	remindDays, err := remindDaysFromEnv()
	if err != nil {
		return err
	}

	statePath, err := reminderStatePath(cmd)
	if err != nil {
		return err
	}
	store := reminder.NewStore(statePath, remindDays, logger.With("component", "reminder"))

	ctx, cancel := commandContext(cmd)
	defer cancel()

	if cmd.Flags().Changed("set-remind-days") {
		days, _ := cmd.Flags().GetInt("set-remind-days")
		if days < 1 {
			return errors.New("reminder interval must be at least 1 day")
		}
		if err := store.RecordRun(primerNow(), days); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Reminder set to every %d day(s). Last run recorded as now.\n", days)
		return nil
	}

	if check, _ := cmd.Flags().GetBool("check-reminder"); check {
		status := reminder.Check(store.Load(), primerNow())
		logger.Debug("reminder checked", "due", status.Due, "days_since", status.DaysSince, "interval_days", status.IntervalDays)
		if status.Due {
			notifier := primerNotifier
			if notifier.Logger == nil {
				notifier.Logger = logger
			}
			notifier.Notify(ctx, reminder.NotificationTitle, status.Message("scrap primer"))
		}
		return nil
	}

	_, body, err := newBackendClient(cmd, logger).Send(ctx, protocol.AgentRequest{
		Message:         RecapPrompt,
		IncludeMessages: true,
		MessageHours:    recapHours,
	})
	if len(body) > 0 {
		fmt.Fprintln(cmd.OutOrStdout(), string(bytes.TrimSpace(body)))
	}
	if err != nil {
		return err
	}

	if err := store.RecordRun(primerNow(), remindDays); err != nil {
		return err
	}
	logger.Debug("recap run recorded", "path", statePath)
	return nil
}

func remindDaysFromEnv() (int, error) {
	raw := strings.TrimSpace(os.Getenv("POKE_REMIND_DAYS"))
	if raw == "" {
		return reminder.DefaultIntervalDays, nil
	}
	days, err := strconv.Atoi(raw)
	if err != nil || days < 1 {
		return 0, fmt.Errorf("configuration error: POKE_REMIND_DAYS=%q must be a whole number of days, at least 1", raw)
	}
	return days, nil
}

func reminderStatePath(cmd *cobra.Command) (string, error) {
	if path, _ := cmd.Flags().GetString("state"); path != "" {
		return path, nil
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to locate config directory: %w (use --state)", err)
	}
	return filepath.Join(dir, "scrap", "reminder_state.json"), nil
}
