package docai

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	documentai "cloud.google.com/go/documentai/apiv1"
	"cloud.google.com/go/documentai/apiv1/documentaipb"
	"google.golang.org/api/option"

	"github.com/anubissbe/JarvisAI/internal/platform/logger"
)

// Extractor turns binary document formats (PDF, scans, office files)
// into plain text. Optional: plain-text ingestion never needs it.
type Extractor interface {
	ExtractText(ctx context.Context, data []byte, mimeType string) (string, error)
	Close() error
}

type extractor struct {
	log       *logger.Logger
	client    *documentai.DocumentProcessorClient
	processor string
}

// NewFromEnv returns (nil, nil) when no processor is configured, so the
// pipeline can fall back to native text extraction.
func NewFromEnv(log *logger.Logger) (Extractor, error) {
	if log == nil {
		return nil, fmt.Errorf("docai: logger required")
	}

	projectID := strings.TrimSpace(os.Getenv("DOCAI_PROJECT_ID"))
	processorID := strings.TrimSpace(os.Getenv("DOCAI_PROCESSOR_ID"))
	if projectID == "" || processorID == "" {
		return nil, nil
	}

	location := strings.TrimSpace(os.Getenv("DOCUMENTAI_LOCATION"))
	if location == "" {
		location = "us"
	}
	version := strings.TrimSpace(os.Getenv("DOCAI_PROCESSOR_VERSION"))

	endpoint := fmt.Sprintf("%s-documentai.googleapis.com:443", location)
	opts := append([]option.ClientOption{option.WithEndpoint(endpoint)}, clientOptionsFromEnv()...)

	client, err := documentai.NewDocumentProcessorClient(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("docai: init client: %w", err)
	}

	slog := log.With("service", "DocAI")
	slog.Info("Document AI initialized", "endpoint", endpoint, "location", location)

	return &extractor{
		log:       slog,
		client:    client,
		processor: processorName(projectID, location, processorID, version),
	}, nil
}

func clientOptionsFromEnv() []option.ClientOption {
	creds := strings.TrimSpace(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS_JSON"))
	if creds == "" {
		creds = strings.TrimSpace(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"))
	}
	if creds == "" {
		return nil
	}
	if strings.HasPrefix(creds, "{") {
		return []option.ClientOption{option.WithCredentialsJSON([]byte(creds))}
	}
	return []option.ClientOption{option.WithCredentialsFile(creds)}
}

func processorName(project, location, processorID, version string) string {
	base := fmt.Sprintf("projects/%s/locations/%s/processors/%s", project, location, processorID)
	if version != "" {
		return base + "/processorVersions/" + version
	}
	return base
}

func (e *extractor) ExtractText(ctx context.Context, data []byte, mimeType string) (string, error) {
	if len(data) == 0 {
		return "", nil
	}
	if mimeType == "" {
		mimeType = "application/pdf"
	}

	ctx, cancel := context.WithTimeout(ctx, 3*time.Minute)
	defer cancel()

	resp, err := e.client.ProcessDocument(ctx, &documentaipb.ProcessRequest{
		Name: e.processor,
		Source: &documentaipb.ProcessRequest_RawDocument{
			RawDocument: &documentaipb.RawDocument{
				Content:  data,
				MimeType: mimeType,
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("documentai ProcessDocument: %w", err)
	}
	if resp == nil || resp.Document == nil {
		return "", nil
	}
	return strings.TrimSpace(resp.Document.Text), nil
}

func (e *extractor) Close() error {
	if e == nil || e.client == nil {
		return nil
	}
	return e.client.Close()
}
