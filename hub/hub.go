package hub

import (
	"PhoneDetServer/logger"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// DefaultBaseURL points at the ultralytics release assets the pretrained
// YOLOv5 ONNX exports are published under.
const DefaultBaseURL = "https://github.com/ultralytics/yolov5/releases/download/v7.0"

const downloadTimeout = 5 * time.Minute

type Options struct {
	Name     string // model name, e.g. "yolov5s"
	BaseURL  string
	CacheDir string
}

// EnsureModel returns the local path of the named model, downloading the
// weights from the hub on first run and reusing the cached file after.
// One attempt, no retry: a failure here is a startup failure.
func EnsureModel(ctx context.Context, opts Options) (string, error) {
	if opts.Name == "" {
		return "", fmt.Errorf("model name cannot be empty")
	}
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.CacheDir == "" {
		opts.CacheDir = "models"
	}
	if err := os.MkdirAll(opts.CacheDir, 0o755); err != nil {
		return "", fmt.Errorf("creating cache dir %s: %w", opts.CacheDir, err)
	}

	modelPath := filepath.Join(opts.CacheDir, opts.Name+".onnx")
	if info, err := os.Stat(modelPath); err == nil && info.Size() > 0 {
		logger.Log().Info("Using cached model weights",
			zap.String("model", opts.Name), zap.String("path", modelPath))
		return modelPath, nil
	}

	url := fmt.Sprintf("%s/%s.onnx", opts.BaseURL, opts.Name)
	logger.Log().Info("Fetching model weights from hub",
		zap.String("model", opts.Name), zap.String("url", url))

	client := resty.New().SetTimeout(downloadTimeout)
	resp, err := client.R().SetContext(ctx).Get(url)
	if err != nil {
		return "", fmt.Errorf("downloading %s: %w", url, err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("hub returned %s for %s", resp.Status(), url)
	}
	body := resp.Body()
	if len(body) == 0 {
		return "", fmt.Errorf("hub returned an empty body for %s", url)
	}

	// write to a temp file first so a partial download never looks cached
	tmpPath := modelPath + ".part"
	if err := os.WriteFile(tmpPath, body, 0o644); err != nil {
		return "", fmt.Errorf("writing %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, modelPath); err != nil {
		return "", fmt.Errorf("renaming %s: %w", tmpPath, err)
	}
	logger.Log().Info("Model weights cached",
		zap.String("path", modelPath), zap.Int("bytes", len(body)))
	return modelPath, nil
}
