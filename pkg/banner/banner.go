package banner

import (
	"fmt"

	"condenser/pkg/config"
)

const banner = `
 ██████╗ ██████╗ ███╗   ██╗██████╗ ███████╗███╗   ██╗███████╗███████╗██████╗
██╔════╝██╔═══██╗████╗  ██║██╔══██╗██╔════╝████╗  ██║██╔════╝██╔════╝██╔══██╗
██║     ██║   ██║██╔██╗ ██║██║  ██║█████╗  ██╔██╗ ██║███████╗█████╗  ██████╔╝
██║     ██║   ██║██║╚██╗██║██║  ██║██╔══╝  ██║╚██╗██║╚════██║██╔══╝  ██╔══██╗
╚██████╗╚██████╔╝██║ ╚████║██████╔╝███████╗██║ ╚████║███████║███████╗██║  ██║
 ╚═════╝ ╚═════╝ ╚═╝  ╚═══╝╚═════╝ ╚══════╝╚═╝  ╚═══╝╚══════╝╚══════╝╚═╝  ╚═╝
`

// Print writes the startup banner with the effective runtime settings.
func Print(cfg *config.Config, version string) {
	fmt.Print(banner)
	fmt.Println("== Config =====================================================")
	fmt.Printf("Ops listen:  %s\n", cfg.Addr())
	fmt.Printf("DB path:     %s\n", cfg.Storage.DBPath)
	if cfg.Engine.ModelPath != "" {
		fmt.Printf("Model:       %s\n", cfg.Engine.ModelPath)
	} else {
		fmt.Println("Model:       not set (--model or CONDENSER_MODEL_PATH)")
	}
	if version != "" {
		fmt.Printf("Version:     %s\n", version)
	}
	fmt.Printf("Sessions:    %d (accelerator preferred: %v)\n", cfg.Pool.Capacity, cfg.Engine.PreferAccelerator)
	fmt.Printf("Batching:    %d..%d records, flush %s\n",
		cfg.Dispatch.InitialBatchSize, cfg.Dispatch.MaxBatchSize, cfg.Dispatch.FlushInterval.Duration())
	if cfg.Source.RPS > 0 {
		fmt.Printf("Source:      page %d, limit %.1f rec/s\n", cfg.Source.PageSize, cfg.Source.RPS)
	} else {
		fmt.Printf("Source:      page %d, unthrottled\n", cfg.Source.PageSize)
	}
	if cfg.Retention.Enabled {
		fmt.Printf("Retention:   cron=%s period=%s\n", cfg.Retention.Cron, cfg.Retention.Period.Duration())
	} else {
		fmt.Println("Retention:   disabled")
	}

	fmt.Println("\n== Endpoints ==================================================")
	fmt.Printf("GET http://localhost%s/healthz  - liveness\n", portSuffix(cfg))
	fmt.Printf("GET http://localhost%s/readyz   - readiness (store + pool)\n", portSuffix(cfg))
	fmt.Printf("GET http://localhost%s/statusz  - progress and pool state\n", portSuffix(cfg))
	fmt.Printf("GET http://localhost%s/metrics  - prometheus metrics\n", portSuffix(cfg))
	fmt.Println("\n== Logs =======================================================")
}

func portSuffix(cfg *config.Config) string {
	p := cfg.Ops.Port
	if p == 0 {
		p = 8090
	}
	return fmt.Sprintf(":%d", p)
}
