package tooladapter

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/greyhat-cli/api/schemas"
	"github.com/xkilldash9x/greyhat-cli/internal/config"
)

// BrowserBinding drives a headless browser for web reconnaissance. Each run
// gets its own browser process so a crashed page cannot poison later actions.
type BrowserBinding struct {
	logger *zap.Logger
	cfg    config.BrowserToolConfig
}

// NewBrowserBinding creates the binding.
func NewBrowserBinding(logger *zap.Logger, cfg config.BrowserToolConfig) *BrowserBinding {
	return &BrowserBinding{
		logger: logger.Named("tool.browser"),
		cfg:    cfg,
	}
}

func (b *BrowserBinding) Name() string { return "browser" }

// Run executes one browser operation. Params: "op" (navigate, extract,
// screenshot), "url", and for extract a CSS "selector".
func (b *BrowserBinding) Run(ctx context.Context, action schemas.Action) (Result, error) {
	op, _ := action.Params["op"].(string)
	rawURL, _ := action.Params["url"].(string)
	if rawURL == "" {
		rawURL = action.Target
	}
	if !strings.Contains(rawURL, "://") {
		rawURL = "https://" + rawURL
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", b.cfg.Headless),
		chromedp.Flag("disable-gpu", true),
	)
	if b.cfg.IgnoreTLSErrors {
		opts = append(opts, chromedp.Flag("ignore-certificate-errors", true))
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	defer cancelBrowser()

	b.logger.Info("Browser operation",
		zap.String("op", op),
		zap.String("url", rawURL))

	switch op {
	case "navigate", "":
		return b.navigate(browserCtx, rawURL)
	case "extract":
		selector, _ := action.Params["selector"].(string)
		return b.extract(browserCtx, rawURL, selector)
	case "screenshot":
		return b.screenshot(browserCtx, rawURL)
	default:
		return Result{}, fmt.Errorf("unknown browser operation %q", op)
	}
}

func (b *BrowserBinding) navigate(ctx context.Context, url string) (Result, error) {
	var title, location, html string
	err := chromedp.Run(ctx,
		chromedp.Navigate(url),
		chromedp.Title(&title),
		chromedp.Location(&location),
		chromedp.OuterHTML("html", &html),
	)
	if err != nil {
		return Result{}, fmt.Errorf("navigate %s: %w", url, err)
	}

	return Result{Stdout: renderPage(title, location, html)}, nil
}

// renderPage formats the navigation result. The captured document is kept
// whole; trimming happens where prompts are built, never in the record.
func renderPage(title, location, html string) string {
	var out strings.Builder
	fmt.Fprintf(&out, "Title: %s\nFinal URL: %s\n\n%s", title, location, html)
	return out.String()
}

func (b *BrowserBinding) extract(ctx context.Context, url, selector string) (Result, error) {
	if selector == "" {
		return Result{}, fmt.Errorf("extract requires a selector")
	}
	var text string
	err := chromedp.Run(ctx,
		chromedp.Navigate(url),
		chromedp.Text(selector, &text, chromedp.ByQueryAll),
	)
	if err != nil {
		return Result{}, fmt.Errorf("extract %q from %s: %w", selector, url, err)
	}
	return Result{Stdout: text}, nil
}

func (b *BrowserBinding) screenshot(ctx context.Context, url string) (Result, error) {
	var png []byte
	err := chromedp.Run(ctx,
		chromedp.Navigate(url),
		chromedp.FullScreenshot(&png, 90),
	)
	if err != nil {
		return Result{}, fmt.Errorf("screenshot %s: %w", url, err)
	}

	f, err := os.CreateTemp("", "greyhat-shot-*.png")
	if err != nil {
		return Result{}, fmt.Errorf("create screenshot file: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(png); err != nil {
		return Result{}, fmt.Errorf("write screenshot: %w", err)
	}

	return Result{Stdout: fmt.Sprintf("Screenshot saved: %s (%d bytes)", f.Name(), len(png))}, nil
}
