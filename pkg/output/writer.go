// Package output implements C8: writing the per-session summary text,
// structured data JSON, and the shared append-only meetings CSV.
package output

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"meetingengine/pkg/apperr"
	"meetingengine/pkg/models"
)

// csvHeader is the fixed column order from spec §6. It must never
// change without also bumping every existing meetings.csv on disk.
var csvHeader = []string{
	"meeting_date", "meeting_time", "timestamp_file",
	"contact_name", "contact_role", "contact_location", "contact_is_decision_maker", "contact_tenure",
	"company_name", "company_aum", "company_icp", "company_location", "company_is_client",
	"company_competitor_products", "company_strategies_of_interest",
	"deal_ticket_size", "deal_products_of_interest",
	"total_contacts", "total_companies", "total_deals",
}

// Result is the set of artifact paths produced by a Write call.
type Result struct {
	SummaryPath string
	DataPath    string
	CSVPath     string
}

// Write persists the summary text and structured data, then appends one
// row to meetings.csv, in that order. stoppedAt is the session's stop
// time (local time), used for both filenames and the CSV timestamp
// column. When companionNaming is set, summary.txt and data.json land
// in a per-meeting folder named from MeetingData (spec §4.8) instead of
// the flat summary_YYYYMMDD_HHMMSS.txt / data_YYYYMMDD_HHMMSS.json pair.
func Write(outputDir, csvPath string, summary string, data models.MeetingData, stoppedAt time.Time, companionNaming bool) (Result, error) {
	dir, err := expandAndEnsureDir(outputDir)
	if err != nil {
		return Result{}, apperr.New(apperr.OutputWriteFailure, "could not prepare output directory: "+err.Error(), nil)
	}

	stamp := stoppedAt.Format("20060102_150405")

	var summaryPath, dataPath string
	if companionNaming {
		meetingDir := filepath.Join(dir, meetingFolderName(data, stoppedAt))
		if err := os.MkdirAll(meetingDir, 0o755); err != nil {
			return Result{}, apperr.New(apperr.OutputWriteFailure, "could not prepare meeting folder: "+err.Error(), nil)
		}
		summaryPath = filepath.Join(meetingDir, "summary.txt")
		dataPath = filepath.Join(meetingDir, "data.json")
	} else {
		summaryPath = filepath.Join(dir, fmt.Sprintf("summary_%s.txt", stamp))
		dataPath = filepath.Join(dir, fmt.Sprintf("data_%s.json", stamp))
	}

	if err := writeAtomic(summaryPath, []byte(strings.TrimRight(summary, "\n")+"\n")); err != nil {
		return Result{}, apperr.New(apperr.OutputWriteFailure, "failed to write summary: "+err.Error(), nil)
	}

	dataBytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return Result{SummaryPath: summaryPath}, apperr.New(apperr.OutputWriteFailure, "failed to marshal meeting data: "+err.Error(), nil)
	}
	if err := writeAtomic(dataPath, append(dataBytes, '\n')); err != nil {
		return Result{SummaryPath: summaryPath}, apperr.New(apperr.OutputWriteFailure, "failed to write data.json: "+err.Error(), nil)
	}

	resolvedCSVPath, err := expandPath(csvPath)
	if err != nil {
		return Result{SummaryPath: summaryPath, DataPath: dataPath}, apperr.New(apperr.OutputWriteFailure, "failed to resolve csv path: "+err.Error(), nil)
	}
	if err := appendCSVRow(resolvedCSVPath, stamp, data); err != nil {
		return Result{SummaryPath: summaryPath, DataPath: dataPath}, err
	}

	return Result{SummaryPath: summaryPath, DataPath: dataPath, CSVPath: resolvedCSVPath}, nil
}

var invalidFolderChars = regexp.MustCompile(`[<>:"/\\|?*]`)
var repeatedSpaces = regexp.MustCompile(`\s+`)

// meetingFolderName builds "YYYY-MM-DD Company - Contact", falling back
// to company-only, contact-only, or "YYYY-MM-DD Meeting HHMMSS" when
// extraction found neither (spec §4.8).
func meetingFolderName(data models.MeetingData, stoppedAt time.Time) string {
	dateStr := stoppedAt.Format("2006-01-02")

	var company, contact string
	if len(data.Companies) > 0 && data.Companies[0].Name != nil {
		company = sanitizeFolderComponent(*data.Companies[0].Name)
	}
	if len(data.Contacts) > 0 && data.Contacts[0].Name != nil {
		contact = sanitizeFolderComponent(*data.Contacts[0].Name)
	}

	switch {
	case company != "" && contact != "":
		return fmt.Sprintf("%s %s - %s", dateStr, company, contact)
	case company != "":
		return fmt.Sprintf("%s %s", dateStr, company)
	case contact != "":
		return fmt.Sprintf("%s %s", dateStr, contact)
	default:
		return fmt.Sprintf("%s Meeting %s", dateStr, stoppedAt.Format("150405"))
	}
}

// sanitizeFolderComponent strips characters invalid in filesystem path
// components and collapses whitespace, mirroring the original app's
// folder-name sanitizer.
func sanitizeFolderComponent(name string) string {
	name = invalidFolderChars.ReplaceAllString(name, "")
	name = repeatedSpaces.ReplaceAllString(name, " ")
	return strings.TrimSpace(name)
}

func expandAndEnsureDir(dir string) (string, error) {
	expanded, err := expandPath(dir)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(expanded, 0o755); err != nil {
		return "", err
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if !strings.HasPrefix(p, "~") {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~")), nil
}

// writeAtomic writes to a temp file in the same directory and renames
// it into place, so a crash mid-write never leaves a truncated file.
func writeAtomic(path string, content []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

// csvMu serializes CSV appends within this process, so two sessions
// stopping together cannot both decide the header is missing.
var csvMu sync.Mutex

// appendCSVRow appends one row for the stopped session, holding csvMu
// and an advisory file lock so neither concurrent sessions nor
// concurrent processes can interleave rows, and writing the header
// first if the file is new.
func appendCSVRow(csvPath string, stamp string, data models.MeetingData) error {
	csvMu.Lock()
	defer csvMu.Unlock()

	if err := os.MkdirAll(filepath.Dir(csvPath), 0o755); err != nil {
		return apperr.New(apperr.OutputWriteFailure, "could not prepare csv directory: "+err.Error(), nil)
	}

	lock := flock.New(csvPath + ".lock")
	if err := lockWithRetry(lock); err != nil {
		return apperr.New(apperr.OutputWriteFailure, "could not acquire csv lock: "+err.Error(), nil)
	}
	defer lock.Unlock()

	needsHeader := false
	if _, statErr := os.Stat(csvPath); os.IsNotExist(statErr) {
		needsHeader = true
	}

	f, err := os.OpenFile(csvPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return apperr.New(apperr.OutputWriteFailure, "could not open csv file: "+err.Error(), nil)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if needsHeader {
		if err := w.Write(csvHeader); err != nil {
			return apperr.New(apperr.OutputWriteFailure, "could not write csv header: "+err.Error(), nil)
		}
	}
	if err := w.Write(buildCSVRow(stamp, data)); err != nil {
		return apperr.New(apperr.OutputWriteFailure, "could not write csv row: "+err.Error(), nil)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return apperr.New(apperr.OutputWriteFailure, "could not flush csv row: "+err.Error(), nil)
	}
	return nil
}

func lockWithRetry(lock *flock.Flock) error {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		ok, err := lock.TryLock()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		time.Sleep(20 * time.Millisecond)
	}
	return fmt.Errorf("timed out waiting for csv lock")
}

func buildCSVRow(stamp string, data models.MeetingData) []string {
	t, err := time.ParseInLocation("20060102_150405", stamp, time.Local)
	var meetingDate, meetingTime string
	if err == nil {
		meetingDate = t.Format("2006-01-02")
		meetingTime = t.Format("15:04:05")
	}

	var contact models.Contact
	if len(data.Contacts) > 0 {
		contact = data.Contacts[0]
	}
	var company models.Company
	if len(data.Companies) > 0 {
		company = data.Companies[0]
	}
	var deal models.Deal
	if len(data.Deals) > 0 {
		deal = data.Deals[0]
	}

	return []string{
		meetingDate,
		meetingTime,
		stamp,
		strOrEmpty(contact.Name),
		strOrEmpty(contact.Role),
		strOrEmpty(contact.Location),
		boolOrEmpty(contact.IsDecisionMaker),
		strOrEmpty(contact.TenureDuration),
		strOrEmpty(company.Name),
		strOrEmpty(company.AUM),
		intOrEmpty(company.ICPClassification),
		strOrEmpty(company.Location),
		boolOrEmpty(company.IsClient),
		strings.Join(company.CompetitorProducts, ", "),
		strings.Join(company.StrategiesOfInterest, ", "),
		strOrEmpty(deal.TicketSize),
		strings.Join(deal.ProductsOfInterest, ", "),
		strconv.Itoa(len(data.Contacts)),
		strconv.Itoa(len(data.Companies)),
		strconv.Itoa(len(data.Deals)),
	}
}

func strOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func boolOrEmpty(b *bool) string {
	if b == nil {
		return ""
	}
	return strconv.FormatBool(*b)
}

func intOrEmpty(i *int) string {
	if i == nil {
		return ""
	}
	return strconv.Itoa(*i)
}
