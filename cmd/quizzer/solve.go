package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	srv "github.com/mohammad-safakhou/quizzer/internal/server"
)

func solveCMD() *cobra.Command {
	var serverURL string
	var email string
	var secret string
	var wait bool
	var waitTimeout time.Duration

	var solve = &cobra.Command{
		Use:   "solve <url>",
		Short: "Submit a quiz chain entry point to a running server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if serverURL == "" {
				serverURL = getenv("QUIZZER_SERVER", "http://localhost:8080")
			}
			if email == "" {
				email = os.Getenv("QUIZZER_EMAIL")
			}
			if secret == "" {
				secret = os.Getenv("QUIZZER_SECRET")
			}
			if email == "" || secret == "" {
				return fmt.Errorf("email and secret required (flags or QUIZZER_EMAIL/QUIZZER_SECRET)")
			}

			client := &http.Client{Timeout: 30 * time.Second}
			id, err := startSession(client, serverURL, email, secret, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("session %s accepted\n", id)
			if !wait {
				return nil
			}

			token, err := fetchToken(client, serverURL, secret)
			if err != nil {
				return err
			}
			return waitForSession(client, serverURL, token, id, waitTimeout)
		},
	}
	solve.Flags().StringVar(&serverURL, "server", "", "server base URL (default QUIZZER_SERVER or http://localhost:8080)")
	solve.Flags().StringVar(&email, "email", "", "identity email (default QUIZZER_EMAIL)")
	solve.Flags().StringVar(&secret, "secret", "", "shared solve secret (default QUIZZER_SECRET)")
	solve.Flags().BoolVar(&wait, "wait", false, "poll until the session reaches a terminal status")
	solve.Flags().DurationVar(&waitTimeout, "timeout", 50*time.Minute, "how long to wait with --wait")

	return solve
}

func startSession(client *http.Client, serverURL, email, secret, target string) (string, error) {
	body, _ := json.Marshal(srv.SolveRequest{Email: email, Secret: secret, URL: target})
	resp, err := client.Post(serverURL+"/solve", "application/json", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("solve rejected: %d %s", resp.StatusCode, bytes.TrimSpace(data))
	}
	var out srv.SolveResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.SessionID, nil
}

func fetchToken(client *http.Client, serverURL, secret string) (string, error) {
	body, _ := json.Marshal(srv.TokenRequest{Secret: secret})
	resp, err := client.Post(serverURL+"/api/auth/token", "application/json", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token exchange failed: %d", resp.StatusCode)
	}
	var out srv.TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.Token, nil
}

func waitForSession(client *http.Client, serverURL, token, id string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	lastStatus := ""
	for {
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out waiting for session %s", id)
		}

		req, err := http.NewRequest(http.MethodGet, serverURL+"/api/sessions/"+id, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		var sess srv.SessionResponse
		decodeErr := json.NewDecoder(resp.Body).Decode(&sess)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("session lookup failed: %d", resp.StatusCode)
		}
		if decodeErr != nil {
			return decodeErr
		}

		if sess.Status != lastStatus {
			fmt.Printf("session %s: %s (turns=%d target=%s)\n", id, sess.Status, sess.Turns, sess.CurrentTarget)
			lastStatus = sess.Status
		}
		switch sess.Status {
		case "succeeded":
			return nil
		case "failed", "aborted":
			if sess.Error != "" {
				return fmt.Errorf("session %s %s: %s", id, sess.Status, sess.Error)
			}
			return fmt.Errorf("session %s %s", id, sess.Status)
		}
		time.Sleep(2 * time.Second)
	}
}
