// files.go — HTTP handlers файлов Share Module.
// Upload, List, Stats, Delete (Bearer) и Download по токену (публично).
package handlers

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/oapi-codegen/runtime"

	apierrors "github.com/bigkaa/goartstore/share-module/internal/api/errors"
	"github.com/bigkaa/goartstore/share-module/internal/api/middleware"
	"github.com/bigkaa/goartstore/share-module/internal/service"
)

// multipartMemory — часть multipart-формы, хранимая в памяти; остальное во временных файлах.
const multipartMemory = 8 << 20

// multipartOverhead — запас на заголовки частей и поля формы сверх квоты.
const multipartOverhead = 1 << 20

// FilesHandler — обработчик файловых endpoints.
type FilesHandler struct {
	upload   *service.UploadService
	download *service.DownloadService
	files    *service.FileService
	// maxBody — предел тела запроса загрузки
	maxBody int64
	logger  *slog.Logger
}

// NewFilesHandler создаёт обработчик файловых endpoints.
// ownerQuota ограничивает размер тела multipart-запроса.
func NewFilesHandler(
	upload *service.UploadService,
	download *service.DownloadService,
	files *service.FileService,
	ownerQuota int64,
	logger *slog.Logger,
) *FilesHandler {
	return &FilesHandler{
		upload:   upload,
		download: download,
		files:    files,
		maxBody:  ownerQuota + multipartOverhead,
		logger:   logger.With(slog.String("component", "files_handler")),
	}
}

// Upload обрабатывает POST /api/files/upload.
// Multipart form: files (одно или несколько), duration (12 или 24, опционально).
func (h *FilesHandler) Upload(w http.ResponseWriter, r *http.Request) {
	ownerID := middleware.OwnerFromContext(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			apierrors.QuotaExceeded(w, "Размер запроса превышает квоту хранилища")
			return
		}
		apierrors.ValidationError(w, "Ошибка разбора multipart: "+err.Error())
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		headers = r.MultipartForm.File["files[]"]
	}
	if len(headers) == 0 {
		apierrors.ValidationError(w, "Не выбраны файлы для загрузки")
		return
	}

	duration, err := parseDuration(r.FormValue("duration"))
	if err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}

	files := make([]service.IncomingFile, 0, len(headers))
	for _, fh := range headers {
		files = append(files, incomingFile(fh))
	}

	result, err := h.upload.Upload(r.Context(), ownerID, files, duration)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusCreated, result)
}

// incomingFile адаптирует часть multipart-формы.
func incomingFile(fh *multipart.FileHeader) service.IncomingFile {
	return service.IncomingFile{
		Name: fh.Filename,
		Size: fh.Size,
		Open: func() (io.ReadCloser, error) { return fh.Open() },
	}
}

// parseDuration разбирает поле duration: пусто — значение по умолчанию.
func parseDuration(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	hours, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("поле duration должно быть целым числом часов: %q", raw)
	}
	return hours, nil
}

// List обрабатывает GET /api/files — неистёкшие файлы владельца.
func (h *FilesHandler) List(w http.ResponseWriter, r *http.Request) {
	list, err := h.files.List(r.Context(), middleware.OwnerFromContext(r.Context()))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// Stats обрабатывает GET /api/files/stats.
func (h *FilesHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.files.Stats(r.Context(), middleware.OwnerFromContext(r.Context()))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// Delete обрабатывает DELETE /api/files/{id}.
// Файл другого владельца неотличим от несуществующего (404).
func (h *FilesHandler) Delete(w http.ResponseWriter, r *http.Request) {
	var fileID int64
	err := runtime.BindStyledParameterWithOptions("simple", "id", chi.URLParam(r, "id"), &fileID,
		runtime.BindStyledParameterOptions{ParamLocation: runtime.ParamLocationPath, Explode: false, Required: true})
	if err != nil || fileID <= 0 {
		apierrors.ValidationError(w, "Некорректный идентификатор файла")
		return
	}

	if err := h.files.Delete(r.Context(), middleware.OwnerFromContext(r.Context()), fileID); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Файл удалён"})
}

// Download обрабатывает GET /api/files/download/{token}.
// Каждый разрешённый запрос засчитывается как скачивание, поэтому файл
// всегда отдаётся целиком: Range и условные заголовки игнорируются.
func (h *FilesHandler) Download(w http.ResponseWriter, r *http.Request) {
	dl, err := h.download.Resolve(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	defer dl.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", contentDisposition(dl.Name))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Accept-Ranges", "none")
	w.Header().Set("Last-Modified", dl.Modified.UTC().Format(http.TimeFormat))
	w.Header().Set("Content-Length", strconv.FormatInt(dl.Size, 10))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, dl.Blob); err != nil {
		// Заголовки уже отправлены: остаётся только лог
		h.logger.Warn("Прерванная отдача файла",
			slog.String("name", dl.Name),
			slog.String("error", err.Error()),
		)
	}
}

// DownloadMissingToken обрабатывает GET /api/files/download без токена.
func (h *FilesHandler) DownloadMissingToken(w http.ResponseWriter, _ *http.Request) {
	apierrors.NotFound(w, "Не указан токен скачивания")
}

// contentDisposition формирует заголовок attachment с исходным именем
// (RFC 2231 для не-ASCII имён).
func contentDisposition(name string) string {
	if v := mime.FormatMediaType("attachment", map[string]string{"filename": name}); v != "" {
		return v
	}
	return "attachment"
}
