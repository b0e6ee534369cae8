package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"posnorm/internal/cache"
	"posnorm/internal/config"
	"posnorm/internal/contracts"
	"posnorm/internal/pipeline"
)

var (
	ingestCatalogPath string
	ingestModsPath    string
	ingestOrderID     string
	ingestLLMTimeout  float64
	ingestNoAudit     bool
)

// ingestCmd reads one ingest request from stdin and writes the response
// envelope to stdout.
var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Normalize one receipt read from stdin",
	Long: `Reads a JSON request from stdin and prints the full pipeline response.

Request shape:
  {
    "receipt_text": "...",        (also accepted: source_text, text)
    "order_id": "A123",           (optional)
    "menu_catalog": {...} | [...] (optional; --catalog overrides)
    "allowed_mods": ["加辣"]       (optional; --mods overrides)
  }

Output is {"ok": true, "result": ...} on success or
{"ok": false, "error": {...}} with exit code 1.`,
	RunE: runIngest,
}

func init() {
	ingestCmd.Flags().StringVar(&ingestCatalogPath, "catalog", "", "Menu catalog fixture (YAML)")
	ingestCmd.Flags().StringVar(&ingestModsPath, "mods", "", "Allowed mods fixture (YAML)")
	ingestCmd.Flags().StringVar(&ingestOrderID, "order-id", "", "Order id override")
	ingestCmd.Flags().Float64Var(&ingestLLMTimeout, "llm-timeout", 0, "LLM call timeout in seconds (0 = runtime default)")
	ingestCmd.Flags().BoolVar(&ingestNoAudit, "no-audit", false, "Skip audit log writes")
}

// ingestRequest is the stdin document. Fields are loosely typed on purpose:
// malformed values degrade to empty defaults rather than rejecting the
// request.
type ingestRequest struct {
	ReceiptText any `json:"receipt_text"`
	SourceText  any `json:"source_text"`
	Text        any `json:"text"`
	OrderID     any `json:"order_id"`
	MenuCatalog any `json:"menu_catalog"`
	AllowedMods any `json:"allowed_mods"`
}

func (r ingestRequest) receiptText() string {
	for _, value := range []any{r.ReceiptText, r.SourceText, r.Text} {
		if text, ok := value.(string); ok && text != "" {
			return text
		}
	}
	return ""
}

func (r ingestRequest) orderID() *string {
	text, ok := r.OrderID.(string)
	if !ok {
		return nil
	}
	if trimmed := strings.TrimSpace(text); trimmed != "" {
		return contracts.Str(trimmed)
	}
	return nil
}

func (r ingestRequest) allowedMods() []string {
	list, ok := r.AllowedMods.([]any)
	if !ok {
		return []string{}
	}
	mods := make([]string, 0, len(list))
	for _, item := range list {
		if text, ok := item.(string); ok {
			mods = append(mods, text)
		}
	}
	return mods
}

func runIngest(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return writeIngestError("ConfigError", err)
	}

	raw, err := io.ReadAll(os.Stdin)
	if err != nil {
		return writeIngestError("ReadError", err)
	}
	var request ingestRequest
	if len(strings.TrimSpace(string(raw))) > 0 {
		if err := json.Unmarshal(raw, &request); err != nil {
			return writeIngestError("InvalidRequest", fmt.Errorf("request is not a JSON object: %w", err))
		}
	}

	menuCatalog := request.MenuCatalog
	catalogPath := ingestCatalogPath
	if catalogPath == "" {
		catalogPath = cfg.CatalogPath
	}
	if catalogPath != "" {
		loaded, err := config.LoadCatalog(catalogPath)
		if err != nil {
			return writeIngestError("CatalogError", err)
		}
		menuCatalog = loaded
	}
	if menuCatalog == nil {
		menuCatalog = []any{}
	}

	allowedMods := request.allowedMods()
	modsPath := ingestModsPath
	if modsPath == "" {
		modsPath = cfg.ModsPath
	}
	if modsPath != "" {
		loaded, err := config.LoadAllowedMods(modsPath)
		if err != nil {
			return writeIngestError("ModsError", err)
		}
		allowedMods = loaded
	}

	orderID := request.orderID()
	if trimmed := strings.TrimSpace(ingestOrderID); trimmed != "" {
		orderID = contracts.Str(trimmed)
	}

	opts := pipeline.Options{TimeoutS: ingestLLMTimeout}
	mergeOpts := cfg.MergeOptions()
	opts.Merge = &mergeOpts
	if ttls := cfg.CacheTTLs(); ttls != nil {
		c, err := cache.New(ttls)
		if err != nil {
			return writeIngestError("ConfigError", err)
		}
		opts.Cache = c
	}
	if !ingestNoAudit {
		if auditPath == "" && cfg.AuditPath != "" {
			auditPath = cfg.AuditPath
		}
		auditLog, err := auditLogger()
		if err != nil {
			return writeIngestError("AuditError", err)
		}
		opts.Audit = auditLog
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	result := pipeline.IngestReceipt(ctx, request.receiptText(), orderID, menuCatalog, allowedMods, opts)

	return writeJSON(map[string]any{"ok": true, "result": result})
}

func writeIngestError(errType string, err error) error {
	_ = writeJSON(map[string]any{
		"ok": false,
		"error": map[string]any{
			"type":    errType,
			"message": err.Error(),
		},
	})
	os.Exit(1)
	return nil
}

func writeJSON(payload any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetEscapeHTML(false)
	return enc.Encode(payload)
}
