package models

import (
	"encoding/json"
	"net/http"
)

// Problem: тело ошибки в стиле RFC 7807.
type Problem struct {
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
	Extra  any    `json:"extra,omitempty"`
}

func WriteProblem(w http.ResponseWriter, status int, title, detail string, extra any) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Problem{
		Title:  title,
		Status: status,
		Detail: detail,
		Extra:  extra,
	})
}

// WriteInternal: 500 с текстом ошибки хранилища.
func WriteInternal(w http.ResponseWriter, err error) {
	WriteProblem(w, http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError), err.Error(), nil)
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
