package server

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	listenAddr     string
	metricsAddr    string
	dataDir        string
	natsEmbedded   bool
	natsURL        string
	caCertPath     string
	serverCertPath string
	serverKeyPath  string
)

var CMD = &cobra.Command{
	Use:   "server",
	Short: "start the strata server",
	Run: func(cmd *cobra.Command, args []string) {
		Main(Options{
			Listen:        listenAddr,
			MetricsListen: metricsAddr,
			DataDir:       dataDir,
			NatsEmbedded:  natsEmbedded,
			NatsURL:       natsURL,
			CACert:        caCertPath,
			ServerCert:    serverCertPath,
			ServerKey:     serverKeyPath,
		})
	},
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func init() {
	CMD.Flags().StringVar(&listenAddr, "listen", envOr("STRATA_LISTEN", ":5051"), "address the API listens on")
	CMD.Flags().StringVar(&metricsAddr, "metrics-listen", envOr("STRATA_METRICS_LISTEN", ":27667"), "address serving /healthz and /metrics")
	CMD.Flags().StringVar(&dataDir, "data", envOr("STRATA_DATA", "./data"), "data directory")
	CMD.Flags().BoolVar(&natsEmbedded, "nats", false, "run an embedded nats jetstream broker for change delivery")
	CMD.Flags().StringVar(&natsURL, "nats-url", os.Getenv("STRATA_NATS_URL"), "publish changes to an external nats server instead")
	CMD.Flags().StringVar(&caCertPath, "ca-cert", "", "Path to CA certificate file for client verification (enables mTLS)")
	CMD.Flags().StringVar(&serverCertPath, "server-cert", "", "Path to server certificate file")
	CMD.Flags().StringVar(&serverKeyPath, "server-key", "", "Path to server private key file")
}
