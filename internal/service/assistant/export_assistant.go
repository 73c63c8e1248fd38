package assistant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"ollamachat/internal/models"

	"github.com/xuri/excelize/v2"
)

const (
	ExportJSON     = "json"
	ExportMarkdown = "md"
	ExportXLSX     = "xlsx"
)

// Export is a rendered session ready to be downloaded.
type Export struct {
	FileName    string
	ContentType string
	Data        []byte
}

type sessionExport struct {
	Session    *models.Session   `json:"session"`
	Messages   []*models.Message `json:"messages"`
	ExportedAt time.Time         `json:"exported_at"`
}

var unsafeFileChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// ExportSession renders a session and its history as json, md or xlsx.
func (s *Service) ExportSession(ctx context.Context, userID, sessionID int64, format string) (*Export, error) {
	format = strings.ToLower(strings.TrimSpace(format))
	if format == "" {
		format = ExportJSON
	}
	if format == "markdown" {
		format = ExportMarkdown
	}
	session, messages, err := s.GetSessionWithMessages(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	base := strings.Trim(unsafeFileChars.ReplaceAllString(session.Title, "_"), "_")
	if base == "" {
		base = "session"
	}
	base = fmt.Sprintf("%s_%d", base, session.ID)

	switch format {
	case ExportJSON:
		data, err := json.MarshalIndent(sessionExport{Session: session, Messages: messages, ExportedAt: time.Now().UTC()}, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("encode export: %w", err)
		}
		return &Export{FileName: base + ".json", ContentType: "application/json", Data: data}, nil
	case ExportMarkdown:
		return &Export{FileName: base + ".md", ContentType: "text/markdown; charset=utf-8", Data: renderMarkdown(session, messages)}, nil
	case ExportXLSX:
		data, err := renderWorkbook(session, messages)
		if err != nil {
			return nil, err
		}
		return &Export{
			FileName:    base + ".xlsx",
			ContentType: "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
			Data:        data,
		}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported export format %q", ErrInvalidInput, format)
	}
}

func renderMarkdown(session *models.Session, messages []*models.Message) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "# %s\n\n", session.Title)
	if session.Model != "" {
		fmt.Fprintf(&buf, "_Model: %s_\n\n", session.Model)
	}
	for _, msg := range messages {
		label := "User"
		switch msg.Role {
		case models.RoleAssistant:
			label = "Assistant"
		case models.RoleSystem:
			label = "System"
		}
		fmt.Fprintf(&buf, "### %s (%s)\n\n%s\n\n", label, msg.CreatedAt.UTC().Format(time.RFC3339), strings.TrimSpace(msg.Content))
	}
	return buf.Bytes()
}

func renderWorkbook(session *models.Session, messages []*models.Message) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	const sheet = "Messages"
	index, err := f.NewSheet(sheet)
	if err != nil {
		return nil, fmt.Errorf("create sheet: %w", err)
	}
	f.SetActiveSheet(index)
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return nil, fmt.Errorf("drop default sheet: %w", err)
	}

	headers := []string{"#", "Role", "Time (UTC)", "Content"}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		f.SetCellValue(sheet, cell, h)
	}
	for i, msg := range messages {
		row := i + 2
		f.SetCellValue(sheet, fmt.Sprintf("A%d", row), i+1)
		f.SetCellValue(sheet, fmt.Sprintf("B%d", row), string(msg.Role))
		f.SetCellValue(sheet, fmt.Sprintf("C%d", row), msg.CreatedAt.UTC().Format("2006-01-02 15:04:05"))
		f.SetCellValue(sheet, fmt.Sprintf("D%d", row), msg.Content)
	}
	f.SetColWidth(sheet, "A", "A", 6)
	f.SetColWidth(sheet, "B", "B", 12)
	f.SetColWidth(sheet, "C", "C", 20)
	f.SetColWidth(sheet, "D", "D", 100)
	f.SetDocProps(&excelize.DocProperties{Title: session.Title, Creator: "ollamachat"})

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("write workbook: %w", err)
	}
	return buf.Bytes(), nil
}
