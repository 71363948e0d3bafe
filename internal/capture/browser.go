package capture

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
)

// BrowserObserver loads a page in headless Chrome and reports its network
// traffic.
type BrowserObserver struct {
	PageURL   string
	UserAgent string
	// NavigateTimeout bounds the initial page load; zero means 60s.
	NavigateTimeout time.Duration
}

// Observe navigates to PageURL and emits request and response events until
// ctx is done.
func (b *BrowserObserver) Observe(ctx context.Context, emit func(NetworkEvent)) error {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	if b.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(b.UserAgent))
	}
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()
	tabCtx, cancelTab := chromedp.NewContext(allocCtx)
	defer cancelTab()

	chromedp.ListenTarget(tabCtx, func(ev interface{}) {
		if ne, ok := translateEvent(ev); ok {
			emit(ne)
		}
	})

	// The first Run starts the browser; a timeout on it would kill Chrome.
	if err := chromedp.Run(tabCtx, network.Enable()); err != nil {
		return fmt.Errorf("starting browser: %w", err)
	}
	timeout := b.NavigateTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	navCtx, cancelNav := context.WithTimeout(tabCtx, timeout)
	defer cancelNav()
	if err := chromedp.Run(navCtx, chromedp.Navigate(b.PageURL)); err != nil && ctx.Err() == nil {
		return fmt.Errorf("chromedp navigation failed: %w", err)
	}

	<-ctx.Done()
	return nil
}

func translateEvent(ev interface{}) (NetworkEvent, bool) {
	switch e := ev.(type) {
	case *network.EventRequestWillBeSent:
		if e.Request == nil {
			return NetworkEvent{}, false
		}
		return NetworkEvent{URL: e.Request.URL, Kind: KindRequest}, true
	case *network.EventResponseReceived:
		if e.Response == nil {
			return NetworkEvent{}, false
		}
		return NetworkEvent{URL: e.Response.URL, ContentType: e.Response.MimeType, Kind: KindResponse}, true
	}
	return NetworkEvent{}, false
}
