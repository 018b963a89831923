package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/Brownie44l1/plant-api/internal/model"
	"github.com/Brownie44l1/plant-api/internal/preprocess"
)

// ImageField is the multipart field carrying the upload.
const ImageField = "image"

const homePage = "<h1>Welcome to the Image Prediction API</h1>"

const recognizeFailed = "Plant recognition failed. Please try again."

var (
	errNoImage       = errors.New("No image provided")
	errEmptyFilename = errors.New("Empty filename")
	errTooLarge      = errors.New("Image too large")
)

// Predictor runs the classifier on a preprocessed tensor.
type Predictor interface {
	Predict(input []float32) ([]float32, error)
	NumClasses() int
}

// Options configures a Handler.
type Options struct {
	Labels         model.Labels
	MaxUploadBytes int64
	TopK           int
	Logger         zerolog.Logger
}

type Handler struct {
	predictor Predictor
	pre       *preprocess.Preprocessor
	labels    model.Labels
	maxUpload int64
	topK      int
	log       zerolog.Logger
}

func NewHandler(predictor Predictor, pre *preprocess.Preprocessor, opts Options) *Handler {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 32 << 20
	}
	if opts.TopK <= 0 {
		opts.TopK = 3
	}
	return &Handler{
		predictor: predictor,
		pre:       pre,
		labels:    opts.Labels,
		maxUpload: opts.MaxUploadBytes,
		topK:      opts.TopK,
		log:       opts.Logger,
	}
}

func (h *Handler) Home(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, homePage)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"classes": h.predictor.NumClasses(),
	})
}

// Predict serves POST /predict.
func (h *Handler) Predict(w http.ResponseWriter, r *http.Request) {
	log := h.requestLogger(r)
	log.Info().Msg("received predict request")

	data, err := h.readUpload(w, r)
	if err != nil {
		status := uploadStatus(err)
		log.Warn().Int("status", status).Err(err).Msg("rejected upload")
		writeJSONError(w, status, err.Error())
		return
	}

	pred, err := h.classify(data)
	if err != nil {
		log.Error().Err(err).Msg("prediction failed")
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	log.Info().Int("prediction", pred.Index).Msg("predicted")
	log.Debug().Interface("probabilities", pred.Probabilities).Msg("prediction probabilities")
	writeJSON(w, http.StatusOK, pred)
}

type recognizeResponse struct {
	Success        bool           `json:"success"`
	TopPredictions []model.Ranked `json:"topPredictions"`
	Probabilities  []float32      `json:"probabilities"`
}

// Recognize serves POST /recognize: the top classes with their names.
func (h *Handler) Recognize(w http.ResponseWriter, r *http.Request) {
	log := h.requestLogger(r)

	data, err := h.readUpload(w, r)
	if err != nil {
		status := uploadStatus(err)
		msg := err.Error()
		if status == http.StatusBadRequest {
			msg = "No image file provided"
		}
		log.Warn().Int("status", status).Err(err).Msg("rejected upload")
		writeJSONError(w, status, msg)
		return
	}

	pred, err := h.classify(data)
	if err != nil {
		log.Error().Err(err).Msg("recognition failed")
		writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "error": recognizeFailed})
		return
	}

	top := model.TopK(pred.Probabilities, h.topK, h.labels)
	log.Info().Int("prediction", pred.Index).Str("name", h.labels.Name(pred.Index)).Msg("recognized")
	writeJSON(w, http.StatusOK, recognizeResponse{
		Success:        true,
		TopPredictions: top,
		Probabilities:  pred.Probabilities,
	})
}

// classify runs preprocessing and inference. Panics are returned as errors.
func (h *Handler) classify(data []byte) (pred model.Prediction, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic during prediction: %v", rec)
			predictErrors.WithLabelValues("panic").Inc()
		}
	}()

	tensor, err := h.pre.Tensor(data)
	if err != nil {
		predictErrors.WithLabelValues("invalid_image").Inc()
		return pred, err
	}

	start := time.Now()
	probs, err := h.predictor.Predict(tensor)
	inferenceDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		predictErrors.WithLabelValues("inference").Inc()
		return pred, err
	}
	if len(probs) == 0 {
		predictErrors.WithLabelValues("inference").Inc()
		return pred, fmt.Errorf("%w: empty output", model.ErrInference)
	}

	pred = model.NewPrediction(probs)
	predictionsTotal.WithLabelValues(strconv.Itoa(pred.Index)).Inc()
	return pred, nil
}

// readUpload returns the bytes of the first ImageField part that carries
// a filename. A part whose filename parameter is present but empty is a
// form submitted without a selected file.
func (h *Handler) readUpload(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, errNoImage
	}

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil, errNoImage
		}
		if err != nil {
			if isTooLarge(err) {
				return nil, errTooLarge
			}
			return nil, errNoImage
		}

		if part.FormName() != ImageField {
			part.Close()
			continue
		}
		filename, hasFilename := partFilename(part)
		if !hasFilename {
			part.Close()
			continue
		}
		if filename == "" {
			part.Close()
			return nil, errEmptyFilename
		}

		data, err := io.ReadAll(part)
		part.Close()
		if err != nil {
			if isTooLarge(err) {
				return nil, errTooLarge
			}
			return nil, fmt.Errorf("read upload: %w", err)
		}
		reqLog := h.requestLogger(r)
		reqLog.Debug().Str("filename", filename).Int("bytes", len(data)).Msg("received file")
		return data, nil
	}
}

func partFilename(p *multipart.Part) (string, bool) {
	_, params, err := mime.ParseMediaType(p.Header.Get("Content-Disposition"))
	if err != nil {
		return "", false
	}
	name, ok := params["filename"]
	return name, ok
}

func isTooLarge(err error) bool {
	var mbe *http.MaxBytesError
	return errors.As(err, &mbe)
}

func uploadStatus(err error) int {
	switch {
	case errors.Is(err, errNoImage), errors.Is(err, errEmptyFilename):
		return http.StatusBadRequest
	case errors.Is(err, errTooLarge):
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) requestLogger(r *http.Request) zerolog.Logger {
	if rid := middleware.GetReqID(r.Context()); rid != "" {
		return h.log.With().Str("request_id", rid).Logger()
	}
	return h.log
}

// writeJSON encodes v before committing the status, so a value that cannot
// be encoded (NaN, Inf) yields a 500 instead of an empty success.
func writeJSON(w http.ResponseWriter, status int, v any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		status = http.StatusInternalServerError
		buf.Reset()
		_ = json.NewEncoder(&buf).Encode(map[string]string{"error": err.Error()})
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}

// writeJSONError writes the {"error": msg} payload every endpoint uses.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
