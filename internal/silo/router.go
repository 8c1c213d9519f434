package silo

import (
	"net/http"
)

// Handler returns an http.Handler implementing the S3 API subset.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// List all buckets
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		s.handleListBuckets(r.Context(), w, r)
	})

	// Bucket-level operations
	mux.HandleFunc("PUT /{bucket}", func(w http.ResponseWriter, r *http.Request) {
		s.handleCreateBucket(r.Context(), w, r, r.PathValue("bucket"))
	})
	mux.HandleFunc("GET /{bucket}", func(w http.ResponseWriter, r *http.Request) {
		bucket := r.PathValue("bucket")
		if r.URL.Query().Has("location") {
			s.handleGetBucketLocation(r.Context(), w, r, bucket)
			return
		}
		s.handleListObjects(r.Context(), w, r, bucket)
	})
	mux.HandleFunc("HEAD /{bucket}", func(w http.ResponseWriter, r *http.Request) {
		s.handleHeadBucket(r.Context(), w, r, r.PathValue("bucket"))
	})
	mux.HandleFunc("DELETE /{bucket}", func(w http.ResponseWriter, r *http.Request) {
		s.handleDeleteBucket(r.Context(), w, r, r.PathValue("bucket"))
	})

	// Object-level operations
	mux.HandleFunc("PUT /{bucket}/{key...}", func(w http.ResponseWriter, r *http.Request) {
		s.handlePutObject(r.Context(), w, r, r.PathValue("bucket"), r.PathValue("key"))
	})
	mux.HandleFunc("GET /{bucket}/{key...}", func(w http.ResponseWriter, r *http.Request) {
		s.handleGetObject(r.Context(), w, r, r.PathValue("bucket"), r.PathValue("key"))
	})
	mux.HandleFunc("HEAD /{bucket}/{key...}", func(w http.ResponseWriter, r *http.Request) {
		s.handleHeadObject(r.Context(), w, r, r.PathValue("bucket"), r.PathValue("key"))
	})
	mux.HandleFunc("DELETE /{bucket}/{key...}", func(w http.ResponseWriter, r *http.Request) {
		s.handleDeleteObject(r.Context(), w, r, r.PathValue("bucket"), r.PathValue("key"))
	})

	return Recoverer(s.RequireAuthentication(LogRequest(SlashFix(mux))))
}
