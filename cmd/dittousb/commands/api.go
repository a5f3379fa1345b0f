package commands

import (
	"fmt"
	"net"
	"strconv"

	"github.com/marmos91/dittousb/pkg/apiclient"
)

// apiURL is the diagnostics API endpoint used by client commands. Empty
// means "derive from the configuration".
var apiURL string

// newAPIClient returns a client for --api-url, or for the API address in
// the configuration when the flag is not set.
func newAPIClient() *apiclient.Client {
	if apiURL != "" {
		return apiclient.New(apiURL)
	}
	cfg := loadConfigOrDefaults()
	host := cfg.API.BindAddress
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return apiclient.New(fmt.Sprintf("http://%s", net.JoinHostPort(host, strconv.Itoa(cfg.API.Port))))
}
