package app

import (
	"strings"
)

// NormalizeLocalViewer keeps the viewer on loopback and returns the listen
// address and the browser URL.
func NormalizeLocalViewer(cfgAddr string) (listenAddr string, url string) {
	a := strings.TrimSpace(cfgAddr)

	if strings.HasPrefix(a, ":") {
		a = "127.0.0.1" + a
	}
	if strings.HasPrefix(a, "0.0.0.0:") {
		a = "127.0.0.1:" + strings.TrimPrefix(a, "0.0.0.0:")
	}
	return a, "http://" + a
}

func logBanner(peerDir, cfgPath, userID string) {
	log.Info("────────────────────────────────────────")
	log.Info("infinitchat client")
	log.Infof(" Data folder : %s", peerDir)
	log.Infof(" Config file : %s", cfgPath)
	log.Infof(" Signed in as: %s", userID)
	log.Info("────────────────────────────────────────")
}
