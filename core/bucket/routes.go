package bucket

import (
	"net/http"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/mofreitas/woodwork/core/access"
	"github.com/mofreitas/woodwork/core/csql"
	"github.com/mofreitas/woodwork/core/logger"
)

func (b *Backend) handleRoutes(router *mux.Router) {
	rlog := logger.Default()
	rlog.Debugln("bucket routes")
	rlog.Debugln("  handle route:", b.prefix+"/folders GET")
	rlog.Debugln("  handle route:", b.prefix+"/leftover-images GET POST")

	router.HandleFunc(b.prefix+"/folders", b.listFolders).Methods(http.MethodOptions, http.MethodGet)
	router.HandleFunc(b.prefix+"/folders/{id}", b.getFolder).Methods(http.MethodOptions, http.MethodGet)
	router.HandleFunc(b.prefix+"/folders/{id}/files", b.listFiles).Methods(http.MethodOptions, http.MethodGet)
	router.HandleFunc(b.prefix+"/files/{id}", b.getFile).Methods(http.MethodOptions, http.MethodGet)

	router.HandleFunc(b.prefix+"/leftover-images", b.listLeftovers).Methods(http.MethodOptions, http.MethodGet)
	router.HandleFunc(b.prefix+"/leftover-images", b.createLeftover).Methods(http.MethodOptions, http.MethodPost)
	router.HandleFunc(b.prefix+"/leftover-images/{id}", b.getLeftover).Methods(http.MethodOptions, http.MethodGet)
	router.HandleFunc(b.prefix+"/leftover-images/{id}/confirm", b.confirmLeftover).Methods(http.MethodOptions, http.MethodPost)
	router.HandleFunc(b.prefix+"/leftover-images/{id}", b.deleteLeftover).Methods(http.MethodOptions, http.MethodDelete)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	data, _ := json.Marshal(v)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

// authenticate answers 401 itself when there is no authorization.
func authenticate(w http.ResponseWriter, r *http.Request) (*access.Authorization, bool) {
	auth := access.AuthorizationFromContext(r.Context())
	if auth == nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{
			"detail": "authentication credentials were not provided"})
		return nil, false
	}
	return auth, true
}

// authenticatePrivileged answers 401/403 itself; only admin and worker
// roles pass.
func authenticatePrivileged(w http.ResponseWriter, r *http.Request) (*access.Authorization, bool) {
	auth, ok := authenticate(w, r)
	if !ok {
		return nil, false
	}
	if !auth.IsPrivileged() {
		writeJSON(w, http.StatusForbidden, map[string]string{
			"detail": "you do not have permission to perform this action"})
		return nil, false
	}
	return auth, true
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "invalid id"})
		return uuid.UUID{}, false
	}
	return id, true
}

func (b *Backend) listFolders(w http.ResponseWriter, r *http.Request) {
	auth, ok := authenticate(w, r)
	if !ok {
		return
	}
	owner := r.URL.Query().Get("owner")
	if !auth.IsPrivileged() {
		// customers only ever see their own tree
		owner = auth.Email
	}
	folders, err := b.Folders(r.Context(), owner, r.URL.Query().Get("budget"))
	if err != nil {
		logger.FromContext(r.Context()).WithError(err).Errorln("Error 3005: cannot list folders")
		http.Error(w, "Error 3005", http.StatusInternalServerError)
		return
	}
	if folders == nil {
		folders = []Folder{}
	}
	writeJSON(w, http.StatusOK, folders)
}

func (b *Backend) getFolder(w http.ResponseWriter, r *http.Request) {
	auth, ok := authenticate(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	folder, err := b.FolderByID(r.Context(), id)
	if err == csql.ErrNoRows || (err == nil && !auth.IsPrivileged() && folder.Owner != auth.Email) {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "folder not found"})
		return
	}
	if err != nil {
		logger.FromContext(r.Context()).WithError(err).Errorln("Error 3006: cannot read folder")
		http.Error(w, "Error 3006", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, folder)
}

func (b *Backend) listFiles(w http.ResponseWriter, r *http.Request) {
	auth, ok := authenticate(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	folder, err := b.FolderByID(r.Context(), id)
	if err == csql.ErrNoRows || (err == nil && !auth.IsPrivileged() && folder.Owner != auth.Email) {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "folder not found"})
		return
	}
	if err != nil {
		logger.FromContext(r.Context()).WithError(err).Errorln("Error 3007: cannot read folder")
		http.Error(w, "Error 3007", http.StatusInternalServerError)
		return
	}
	files, err := b.FilesOfFolder(r.Context(), id)
	if err != nil {
		logger.FromContext(r.Context()).WithError(err).Errorln("Error 3008: cannot list files")
		http.Error(w, "Error 3008", http.StatusInternalServerError)
		return
	}
	if files == nil {
		files = []File{}
	}
	writeJSON(w, http.StatusOK, files)
}

func (b *Backend) getFile(w http.ResponseWriter, r *http.Request) {
	auth, ok := authenticate(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	file, err := b.FileByID(r.Context(), id)
	if err == csql.ErrNoRows {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "file not found"})
		return
	}
	if err != nil {
		logger.FromContext(r.Context()).WithError(err).Errorln("Error 3009: cannot read file")
		http.Error(w, "Error 3009", http.StatusInternalServerError)
		return
	}
	if !auth.IsPrivileged() {
		folder, err := b.FolderByID(r.Context(), file.Folder)
		if err != nil || folder.Owner != auth.Email {
			writeJSON(w, http.StatusNotFound, map[string]string{"detail": "file not found"})
			return
		}
	}
	writeJSON(w, http.StatusOK, file)
}

func (b *Backend) listLeftovers(w http.ResponseWriter, r *http.Request) {
	if _, ok := authenticatePrivileged(w, r); !ok {
		return
	}
	confirmedOnly := r.URL.Query().Get("confirmed") == "true"
	leftovers, err := b.LeftoverImages(r.Context(), confirmedOnly)
	if err != nil {
		logger.FromContext(r.Context()).WithError(err).Errorln("Error 3010: cannot list leftovers")
		http.Error(w, "Error 3010", http.StatusInternalServerError)
		return
	}
	if leftovers == nil {
		leftovers = []LeftoverImage{}
	}
	writeJSON(w, http.StatusOK, leftovers)
}

func (b *Backend) createLeftover(w http.ResponseWriter, r *http.Request) {
	if _, ok := authenticatePrivileged(w, r); !ok {
		return
	}
	var leftover LeftoverImage
	if err := json.NewDecoder(r.Body).Decode(&leftover); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "request body is not a leftover"})
		return
	}
	created, err := b.CreateLeftoverImage(r.Context(), leftover)
	if err != nil {
		logger.FromContext(r.Context()).WithError(err).Errorln("Error 3011: cannot create leftover")
		http.Error(w, "Error 3011", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (b *Backend) getLeftover(w http.ResponseWriter, r *http.Request) {
	if _, ok := authenticatePrivileged(w, r); !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	leftover, err := b.LeftoverImageByID(r.Context(), id)
	if err == csql.ErrNoRows {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "leftover not found"})
		return
	}
	if err != nil {
		logger.FromContext(r.Context()).WithError(err).Errorln("Error 3012: cannot read leftover")
		http.Error(w, "Error 3012", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, leftover)
}

func (b *Backend) confirmLeftover(w http.ResponseWriter, r *http.Request) {
	if _, ok := authenticatePrivileged(w, r); !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	leftover, err := b.ConfirmLeftoverImage(r.Context(), id)
	if err == csql.ErrNoRows {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "leftover not found"})
		return
	}
	if err != nil {
		logger.FromContext(r.Context()).WithError(err).Errorln("Error 3013: cannot confirm leftover")
		http.Error(w, "Error 3013", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, leftover)
}

func (b *Backend) deleteLeftover(w http.ResponseWriter, r *http.Request) {
	if _, ok := authenticatePrivileged(w, r); !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	err := b.DeleteLeftoverImage(r.Context(), id)
	if err == csql.ErrNoRows {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "leftover not found"})
		return
	}
	if err != nil {
		logger.FromContext(r.Context()).WithError(err).Errorln("Error 3014: cannot delete leftover")
		http.Error(w, "Error 3014", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{})
}
