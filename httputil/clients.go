package httputil

import (
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
	"rival_scrooper/config"
)

type Clients struct {
	API *http.Client // provider API, optionally behind the egress proxy
}

func NewClients(proxyCfg config.ProxyConfig, timeout time.Duration, log *zap.SugaredLogger) *Clients {
	transport := http.DefaultTransport.(*http.Transport).Clone()

	if proxyCfg.URL != "" {
		if proxyURL, err := url.Parse(proxyCfg.URL); err == nil {
			transport.Proxy = http.ProxyURL(proxyURL)
			log.Infow("provider client using proxy", "host", proxyURL.Host)
		} else {
			log.Warnw("ignoring invalid proxy url", "error", err)
		}
	}

	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Clients{
		API: &http.Client{Timeout: timeout, Transport: transport},
	}
}
