// Package notify tells printers that a sliced job is ready to print.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cuongbtq/slicer-worker/internal/worker/domain"
)

// DateTimeFormat is the layout of request_dt_tm, always UTC.
const DateTimeFormat = "2006-01-02 15:04:05"

// SocketStore resolves the device channel of a printer.
type SocketStore interface {
	LatestPrinterSocket(ctx context.Context, serialNumber string) (string, error)
}

// Publisher delivers a message to a named queue.
type Publisher interface {
	PublishToQueue(ctx context.Context, queue string, body []byte, contentType string) error
}

// PrintCommand is the message sent to the status server a printer is connected to.
type PrintCommand struct {
	PrinterCommand string `json:"printer_command"`
	SocketID       string `json:"socket_id"`
	JobSTL         string `json:"job_stl"`
	ConfigFile     string `json:"config_file"`
	GCodeFile      string `json:"gcode_file"`
	JobID          string `json:"job_id"`
	RequestDtTm    string `json:"request_dt_tm"`
}

// Notifier sends printFile commands over device channels.
type Notifier struct {
	sockets     SocketStore
	publisher   Publisher
	queuePrefix string
	logger      *slog.Logger
	now         func() time.Time
}

// New creates a Notifier. queuePrefix is prepended to the channel queue
// name found in the socket record.
func New(sockets SocketStore, publisher Publisher, queuePrefix string, logger *slog.Logger) *Notifier {
	return &Notifier{
		sockets:     sockets,
		publisher:   publisher,
		queuePrefix: queuePrefix,
		logger:      logger,
		now:         time.Now,
	}
}

// NotifyPrint sends the printFile command for job.
func (n *Notifier) NotifyPrint(ctx context.Context, job *domain.Job) error {
	logger := n.logger.With(slog.String("job_id", job.ID), slog.String("serial_number", job.SerialNumber))

	if job.SerialNumber == "" {
		return fmt.Errorf("job %s has no printer serial number: %w", job.ID, domain.ErrDeviceUnreachable)
	}

	socket, err := n.sockets.LatestPrinterSocket(ctx, job.SerialNumber)
	if err != nil {
		logger.Warn("Printer socket lookup failed", slog.String("error", err.Error()))
		return err
	}

	socketID, channel, ok := strings.Cut(socket, "|")
	if !ok || strings.Contains(channel, "|") {
		logger.Info("Printer has an invalid socket record", slog.String("socket", socket))
		return domain.ErrInvalidSocketRecord
	}

	cmd := PrintCommand{
		PrinterCommand: "printFile",
		SocketID:       socketID,
		JobSTL:         job.STL.URL,
		ConfigFile:     job.Config.URL,
		GCodeFile:      job.GCode.URL,
		JobID:          job.ID,
		RequestDtTm:    n.now().UTC().Format(DateTimeFormat),
	}

	body, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to marshal print command: %w", err)
	}

	queue := n.queuePrefix + channel
	if err := n.publisher.PublishToQueue(ctx, queue, body, "application/json"); err != nil {
		return fmt.Errorf("failed to send print command to %s: %w", queue, err)
	}

	logger.Info("Print command sent", slog.String("queue", queue), slog.String("socket_id", socketID))
	return nil
}
