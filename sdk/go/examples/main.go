package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"SynthralOS/sdk/go/synthral"
)

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /runtimes", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"runtimes": []synthral.RuntimeInfo{
			{Name: "shell", Kind: "shell", Capabilities: synthral.Capabilities{SupportedLanguages: []string{"bash"}}},
		}})
	})
	mux.HandleFunc("POST /tasks", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(synthral.Submission{JobID: "job-demo", Action: "allow"})
	})
	mux.HandleFunc("GET /tasks/job-demo", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(synthral.JobStatus{
			ID:       "job-demo",
			Status:   "completed",
			Attempts: 2,
			Protocol: "echo",
			Result:   json.RawMessage(`{"output":"hello"}`),
		})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, err := synthral.NewClient(srv.URL, srv.Client())
	if err != nil {
		panic(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	runtimes, err := client.ListRuntimes(ctx)
	if err != nil {
		panic(err)
	}
	fmt.Printf("%d runtime(s) available, first is %s\n", len(runtimes), runtimes[0].Name)

	sub, err := client.SubmitTask(ctx, synthral.TaskRequest{Task: "say hello", Protocol: "runtime:shell"})
	if err != nil {
		panic(err)
	}
	fmt.Printf("submitted job %s (guardrails=%s)\n", sub.JobID, sub.Action)

	status, err := client.WaitForTask(ctx, sub.JobID, 100*time.Millisecond)
	if err != nil {
		panic(err)
	}
	fmt.Printf("job %s %s after %d attempts via %s: %s\n", status.ID, status.Status, status.Attempts, status.Protocol, status.Result)
}
