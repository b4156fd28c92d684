// Package handler はHTTP APIのハンドラーを提供する。
package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/asinman/internal/model"
)

// priceResponse は価格のAPIレスポンス。
type priceResponse struct {
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
}

// imageResponse は画像参照のAPIレスポンス。
type imageResponse struct {
	URL         string `json:"url"`
	StoragePath string `json:"storage_path"`
	Position    int    `json:"position,omitempty"`
}

// productResponse は商品情報のAPIレスポンス。
// 欠落したフィールドはnullで表現される。欠落はエラーではない。
type productResponse struct {
	ASIN          string          `json:"asin"`
	Marketplace   string          `json:"marketplace"`
	Title         string          `json:"title"`
	Rating        *float64        `json:"rating"`
	RatingsCount  *int            `json:"ratings_count"`
	Price         *priceResponse  `json:"price"`
	HeroImage     *imageResponse  `json:"hero_image"`
	Gallery       []imageResponse `json:"gallery"`
	Bullets       []string        `json:"bullets"`
	LastScrapedAt *string         `json:"last_scraped_at"`
	Status        string          `json:"status"`
	ETag          string          `json:"etag"`
}

// taskResponse はタスク状態のAPIレスポンス。
type taskResponse struct {
	ID          string `json:"id"`
	ASIN        string `json:"asin"`
	Marketplace string `json:"marketplace"`
	Status      string `json:"status"`
	Error       string `json:"error,omitempty"`
	Attempts    int    `json:"attempts"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

// apiErrorResponse は統一エラーフォーマットのレスポンス。
type apiErrorResponse struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
	TaskID   string `json:"task_id,omitempty"`
}

// toProductResponse はProductをAPIレスポンス形式に変換する。
// etagにはコンテンツ指紋をそのまま使う。
func toProductResponse(p *model.Product) productResponse {
	resp := productResponse{
		ASIN:         p.ASIN,
		Marketplace:  string(p.Marketplace),
		Title:        p.Title,
		Rating:       p.Rating,
		RatingsCount: p.RatingsCount,
		Gallery:      []imageResponse{},
		Bullets:      []string{},
		Status:       string(p.Status),
		ETag:         p.Fingerprint,
	}

	if p.PriceAmount != nil {
		resp.Price = &priceResponse{
			Amount:   *p.PriceAmount,
			Currency: p.PriceCurrency,
		}
	}

	if hero := p.HeroImage(); hero != nil {
		resp.HeroImage = &imageResponse{
			URL:         hero.OriginalURL,
			StoragePath: hero.StoragePath,
		}
	}

	for _, img := range p.GalleryImages() {
		resp.Gallery = append(resp.Gallery, imageResponse{
			URL:         img.OriginalURL,
			StoragePath: img.StoragePath,
			Position:    img.Position,
		})
	}

	for _, bullet := range p.Bullets {
		resp.Bullets = append(resp.Bullets, bullet.Text)
	}

	if p.LastScrapedAt != nil {
		formatted := p.LastScrapedAt.UTC().Format(time.RFC3339)
		resp.LastScrapedAt = &formatted
	}

	return resp
}

// toTaskResponse はTaskをAPIレスポンス形式に変換する。
func toTaskResponse(t *model.Task) taskResponse {
	return taskResponse{
		ID:          t.ID,
		ASIN:        t.ASIN,
		Marketplace: string(t.Marketplace),
		Status:      string(t.Status),
		Error:       t.Error,
		Attempts:    t.Attempts,
		CreatedAt:   t.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:   t.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(body)
}

// writeAPIErrorResponse は統一エラーフォーマットでエラーを書き込む。
func writeAPIErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	writeJSON(w, statusCode, apiErrorResponse{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	})
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		writeAPIErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
		return
	}

	// APIError以外のエラーは内部サーバーエラーとして扱う
	slog.Error("internal server error", slog.String("error", err.Error()))
	writeAPIErrorResponse(w, http.StatusInternalServerError, &model.APIError{
		Code:     "INTERNAL_ERROR",
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	})
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeInvalidASIN, model.ErrCodeInvalidMarketplace, model.ErrCodeEmptyBatch:
		return http.StatusBadRequest
	case model.ErrCodeProductNotFound, model.ErrCodeTaskNotFound:
		return http.StatusNotFound
	case model.ErrCodeScrapeInProgress:
		return http.StatusAccepted
	case model.ErrCodeQueueFull:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
