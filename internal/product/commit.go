// Package product はパース結果の永続化（コミット）を提供する。
package product

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/asinman/internal/fingerprint"
	"github.com/hitoshi/asinman/internal/model"
	"github.com/hitoshi/asinman/internal/repository"
	"github.com/hitoshi/asinman/internal/security"
)

// CommitResult はコミット操作の結果を表す。
type CommitResult struct {
	// Product はコミット後の最新の商品レコード。
	Product *model.Product
	// Decision はコンテンツ変更の有無。Unchangedの場合は鮮度のみ更新されている。
	Decision fingerprint.Decision
}

// CommitService はパース結果のサニタイズ、指紋計算、永続化を行う。
// コンテンツに変更がない再スクレイプでは子データの書き換えを省略し、
// 鮮度タイムスタンプのみ更新する。
type CommitService interface {
	// Commit はバンドルを永続化して最新の商品レコードを返す。
	Commit(ctx context.Context, bundle *model.ProductBundle) (*CommitResult, error)
}

type commitService struct {
	productRepo repository.ProductRepository
	sanitizer   security.TextSanitizerService
	logger      *slog.Logger
	now         func() time.Time
}

// NewCommitService はCommitServiceを生成する。
func NewCommitService(productRepo repository.ProductRepository, sanitizer security.TextSanitizerService, logger *slog.Logger) CommitService {
	return &commitService{
		productRepo: productRepo,
		sanitizer:   sanitizer,
		logger:      logger,
		now:         time.Now,
	}
}

// Commit はバンドルをサニタイズし、指紋比較の結果に応じて永続化する。
// サニタイズは指紋計算の前に行う。指紋はサニタイズ後の内容に対して
// 決定的であるため、同一ページの再スクレイプは常にUnchangedになる。
func (s *commitService) Commit(ctx context.Context, bundle *model.ProductBundle) (*CommitResult, error) {
	s.sanitizeBundle(bundle)

	digest := fingerprint.Compute(bundle)
	scrapedAt := s.now()
	id := bundle.Identifier()

	stored, err := s.productRepo.FindByIdentifier(ctx, id)
	if err != nil {
		return nil, model.NewScrapeError(model.ErrKindStorage,
			fmt.Errorf("既存レコードの検索に失敗: %w", err))
	}

	var oldDigest string
	if stored != nil {
		oldDigest = stored.Fingerprint
	}

	decision := fingerprint.Decide(oldDigest, digest)

	if decision == fingerprint.Unchanged {
		if err := s.productRepo.TouchFreshness(ctx, id, scrapedAt); err != nil {
			return nil, model.NewScrapeError(model.ErrKindStorage,
				fmt.Errorf("鮮度の更新に失敗: %w", err))
		}
		s.logger.Debug("コンテンツに変更がないため鮮度のみ更新しました",
			slog.String("identifier", id.String()),
			slog.String("fingerprint", digest),
		)
		refreshed, err := s.productRepo.FindByIdentifier(ctx, id)
		if err != nil {
			return nil, model.NewScrapeError(model.ErrKindStorage,
				fmt.Errorf("更新後レコードの取得に失敗: %w", err))
		}
		return &CommitResult{Product: refreshed, Decision: fingerprint.Unchanged}, nil
	}

	saved, err := s.productRepo.UpsertBundle(ctx, bundle, digest, scrapedAt)
	if err != nil {
		return nil, model.NewScrapeError(model.ErrKindStorage,
			fmt.Errorf("バンドルの永続化に失敗: %w", err))
	}

	s.logger.Info("商品データをコミットしました",
		slog.String("identifier", id.String()),
		slog.String("product_id", saved.ID),
		slog.String("fingerprint", digest),
		slog.Int("bullets", len(bundle.Bullets)),
		slog.Int("images", len(bundle.Images)),
		slog.Int("diagnostics", len(bundle.Diagnostics)),
	)

	return &CommitResult{Product: saved, Decision: fingerprint.Changed}, nil
}

// sanitizeBundle はバンドルの全テキストフィールドをサニタイズする。
// タイトル、箇条書き、属性が対象。数値と画像URLはそのまま。
func (s *commitService) sanitizeBundle(bundle *model.ProductBundle) {
	bundle.Title = s.sanitizer.SanitizeText(bundle.Title)

	sanitized := bundle.Bullets[:0]
	for _, bullet := range bundle.Bullets {
		clean := s.sanitizer.SanitizeText(bullet)
		if clean != "" {
			sanitized = append(sanitized, clean)
		}
	}
	bundle.Bullets = sanitized

	for i := range bundle.Attributes {
		bundle.Attributes[i].Name = s.sanitizer.SanitizeText(bundle.Attributes[i].Name)
		bundle.Attributes[i].Value = s.sanitizer.SanitizeText(bundle.Attributes[i].Value)
	}
}

var _ CommitService = (*commitService)(nil)
