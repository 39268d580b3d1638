package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"

	"MCP-PluginHost/sdk/go/pluginhost"
)

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/plugins", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(pluginhost.HostInfo{
			Total:    1,
			Loaded:   1,
			Statuses: map[string]string{"structured-logger": "loaded"},
		})
	})
	mux.HandleFunc("/api/v1/plugins/structured-logger/reload", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		_ = json.NewEncoder(w).Encode(pluginhost.ActionResult{
			Name:   "structured-logger",
			Action: "reload",
			Status: "loaded",
		})
	})
	mux.HandleFunc("/api/v1/audit", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(pluginhost.AuditPage{
			Records: []pluginhost.AuditRecord{
				{ID: "ev-1", Plugin: "structured-logger", Action: "reload", Outcome: "success"},
			},
			Stats: pluginhost.AuditStats{Total: 1, Reloads: 1},
		})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := pluginhost.NewClient(srv.URL, srv.Client())
	ctx := context.Background()

	info, err := client.Info(ctx)
	if err != nil {
		panic(err)
	}
	fmt.Printf("plugins loaded: %d/%d\n", info.Loaded, info.Total)

	result, err := client.ReloadPlugin(ctx, "structured-logger")
	if err != nil {
		panic(err)
	}
	fmt.Printf("reload %s -> %s\n", result.Name, result.Status)

	page, err := client.Audit(ctx, 10)
	if err != nil {
		panic(err)
	}
	for _, record := range page.Records {
		fmt.Printf("audit %s %s %s\n", record.Plugin, record.Action, record.Outcome)
	}
}
