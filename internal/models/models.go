// Package models contains the data structures used across the application.
package models

import (
	"net/http"
	"time"
)

// Location tells where a parameter lives in a request.
type Location string

const (
	LocationQuery Location = "query"
	LocationBody  Location = "body"
)

// Parameter represents a single injectable parameter found in a request.
type Parameter struct {
	Name     string   `json:"name"`
	Value    string   `json:"value,omitempty"`
	Location Location `json:"location"`
}

// Request is a base request under test. Params holds every parameter in
// the order it appears; mutants are built by replacing one of them.
type Request struct {
	URL    string      `json:"url"`
	Method string      `json:"method"`
	Header http.Header `json:"header,omitempty"`
	Params []Parameter `json:"params"`
}

// Response is what the transport hands back for one HTTP exchange.
type Response struct {
	URL        string        `json:"url"`
	StatusCode int           `json:"status_code"`
	Header     http.Header   `json:"header,omitempty"`
	Body       []byte        `json:"-"`
	Elapsed    time.Duration `json:"elapsed"`
}
