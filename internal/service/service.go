// Package service реализует бизнес-логику сервиса storefront.
package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/mmeshcher/storefront-system/internal/cache"
	"github.com/mmeshcher/storefront-system/internal/gateway"
	"github.com/mmeshcher/storefront-system/internal/intent"
	"github.com/mmeshcher/storefront-system/internal/model"
	"github.com/mmeshcher/storefront-system/internal/repository"
	"github.com/mmeshcher/storefront-system/internal/validation"
)

const (
	currency = "USD"

	// couponThresholdUnits — сумма заказа, начиная с которой покупателю
	// выдаётся новый купон.
	couponThresholdUnits = 200
	couponDiscountPct    = 10
	couponTTL            = 30 * 24 * time.Hour
	couponCodePrefix     = "GIFT"
	couponCodeRandomLen  = 6

	cacheKeyAllProducts = "all_products"
)

// ErrInvalidCart возвращается при некорректной корзине в запросе оформления.
var ErrInvalidCart = errors.New("invalid cart")

// PaymentNotCompletedError сообщает, что провайдер ещё не подтвердил платёж.
// Это ожидаемое промежуточное состояние, а не сбой: клиент может повторить
// запрос подтверждения позже.
type PaymentNotCompletedError struct {
	Status string
}

func (e *PaymentNotCompletedError) Error() string {
	return fmt.Sprintf("payment not completed: status=%s", e.Status)
}

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CreateUser(ctx context.Context, login string, passwordHash []byte, role model.Role) (int64, error)
	GetUserByLogin(ctx context.Context, login string) (*model.User, error)
	GetProducts(ctx context.Context) ([]model.Product, error)
	GetProductByID(ctx context.Context, id int64) (*model.Product, error)
	GetActiveCoupon(ctx context.Context, code string, userID int64) (*model.Coupon, error)
	IssueCoupon(ctx context.Context, userID int64, code string, discountPercentage int, expiresAt time.Time) (*model.Coupon, error)
	RetireCoupon(ctx context.Context, code string, userID int64) (bool, error)
	CreateOrder(ctx context.Context, userID *int64, providerOrderID string, totalCents int64, items []repository.OrderItemRecord) (int64, bool, error)
	GetOrderByProviderID(ctx context.Context, providerOrderID string) (int64, bool, error)
	GetAllOrders(ctx context.Context) ([]model.Order, error)
	GetOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error)
	GetOrderByID(ctx context.Context, id int64) (*model.Order, error)
}

// Gateway описывает контракт платёжного провайдера, используемый сервисом.
type Gateway interface {
	Configured() bool
	CreateIntent(ctx context.Context, req gateway.CreateIntentRequest) (*gateway.IntentResult, error)
	GetCaptureStatus(ctx context.Context, intentID string) (*gateway.CaptureResult, error)
}

// Service содержит бизнес-логику сервиса storefront.
type Service struct {
	repo      Repository
	gw        Gateway
	catalog   *cache.Cache
	logger    *zap.Logger
	clientURL string

	sf  singleflight.Group
	now func() time.Time
}

// NewService создаёт новый сервис с указанными репозиторием, платёжным клиентом
// и кешем каталога.
func NewService(repo Repository, gw Gateway, catalog *cache.Cache, clientURL string, logger *zap.Logger) *Service {
	return &Service{
		repo:      repo,
		gw:        gw,
		catalog:   catalog,
		logger:    logger,
		clientURL: clientURL,
		now:       time.Now,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// RegisterUser регистрирует нового покупателя.
func (s *Service) RegisterUser(ctx context.Context, login, password string) (*model.User, error) {
	hashed := hashPassword(login, password)
	id, err := s.repo.CreateUser(ctx, login, hashed, model.RoleBuyer)
	if err != nil {
		return nil, err
	}
	return &model.User{ID: id, Login: login, Role: model.RoleBuyer}, nil
}

// AuthenticateUser проверяет логин и пароль пользователя.
func (s *Service) AuthenticateUser(ctx context.Context, login, password string) (*model.User, error) {
	u, err := s.repo.GetUserByLogin(ctx, login)
	if err != nil {
		return nil, err
	}

	hashed := hashPassword(login, password)
	if hex.EncodeToString(hashed) != hex.EncodeToString(u.PasswordHash) {
		return nil, errors.New("invalid credentials")
	}

	return u, nil
}

func hashPassword(login, password string) []byte {
	sum := sha256.Sum256([]byte(login + ":" + password))
	return sum[:]
}

// IntentOutcome описывает результат создания платёжного интента.
type IntentOutcome struct {
	IntentID    string
	ApprovalURL string
	TotalAmount decimal.Decimal
}

// CreateIntent оценивает корзину, применяет купон и создаёт платёжный интент у
// провайдера. Неизвестный или неактивный купон не ошибка: оформление
// продолжается по полной цене. Заказ на этой фазе не сохраняется.
func (s *Service) CreateIntent(ctx context.Context, userID int64, lines []model.CartLine, couponCode string) (*IntentOutcome, error) {
	if err := validation.ValidateCart(lines); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidCart, err)
	}

	subtotal := decimal.Zero
	for _, line := range lines {
		subtotal = subtotal.Add(line.UnitPrice.Mul(decimal.NewFromInt(int64(line.Quantity))))
	}

	total := subtotal
	if couponCode != "" && validation.IsValidCouponCode(couponCode) {
		coupon, err := s.repo.GetActiveCoupon(ctx, couponCode, userID)
		switch {
		case err == nil:
			discount := subtotal.Mul(decimal.NewFromInt(int64(coupon.DiscountPercentage))).Div(decimal.NewFromInt(100))
			total = subtotal.Sub(discount)
		case errors.Is(err, repository.ErrCouponNotFound):
			// Оформление не срывается из-за неподходящего купона.
			s.logger.Debug("coupon not applied", zap.String("code", couponCode), zap.Int64("userID", userID))
		default:
			return nil, err
		}
	}

	payload, err := intent.Encode(intent.New(userID, couponCode, lines))
	if err != nil {
		return nil, err
	}

	res, err := s.gw.CreateIntent(ctx, gateway.CreateIntentRequest{
		Amount:      total,
		Currency:    currency,
		Metadata:    payload,
		ReferenceID: "order_" + uuid.NewString(),
		ReturnURL:   s.clientURL + "/purchase-success",
		CancelURL:   s.clientURL + "/purchase-cancel",
	})
	if err != nil {
		return nil, err
	}

	// Купон выдаётся на фазе создания интента, до подтверждения платежа.
	// Выдача не должна ломать уже созданный у провайдера интент, поэтому
	// сбой здесь только логируется.
	if total.GreaterThanOrEqual(decimal.NewFromInt(couponThresholdUnits)) {
		if _, err := s.issueCoupon(ctx, userID); err != nil {
			s.logger.Warn("issue coupon failed", zap.Error(err), zap.Int64("userID", userID))
		}
	}

	return &IntentOutcome{
		IntentID:    res.ID,
		ApprovalURL: res.ApprovalURL,
		TotalAmount: total,
	}, nil
}

// CaptureOutcome описывает результат подтверждения платежа.
type CaptureOutcome struct {
	OrderID int64
	Status  model.CaptureStatus
}

// Capture подтверждает платёж у провайдера и ровно один раз сохраняет заказ.
// Повторный вызов для того же интента возвращает существующий заказ со статусом
// "already captured". Повреждённые метаданные не срывают подтверждение: платёж
// уже списан, поэтому заказ сохраняется с пустым списком позиций.
func (s *Service) Capture(ctx context.Context, requesterID int64, intentID string) (*CaptureOutcome, error) {
	res, err := s.gw.GetCaptureStatus(ctx, intentID)
	if err != nil {
		return nil, err
	}

	if res.Status != gateway.StatusCompleted {
		return nil, &PaymentNotCompletedError{Status: res.Status}
	}

	if orderID, found, err := s.repo.GetOrderByProviderID(ctx, intentID); err != nil {
		return nil, err
	} else if found {
		return &CaptureOutcome{OrderID: orderID, Status: model.CaptureStatusAlreadyCaptured}, nil
	}

	oi, ok := intent.Decode(res.Metadata)
	if !ok {
		s.logger.Warn("capture metadata missing or malformed, recording degraded order",
			zap.String("intentID", intentID))
	}

	if oi.CouponCode != "" && oi.UserID != nil {
		retired, err := s.repo.RetireCoupon(ctx, oi.CouponCode, *oi.UserID)
		if err != nil {
			s.logger.Warn("retire coupon failed", zap.Error(err), zap.String("code", oi.CouponCode))
		} else if !retired {
			s.logger.Warn("coupon already retired or missing", zap.String("code", oi.CouponCode))
		}
	}

	ownerID := oi.UserID
	if ownerID == nil && requesterID > 0 {
		ownerID = &requesterID
	}

	items := make([]repository.OrderItemRecord, 0, len(oi.Lines))
	for _, l := range oi.Lines {
		items = append(items, repository.OrderItemRecord{
			ProductID:  l.ProductID,
			Quantity:   l.Quantity,
			PriceCents: repository.ToCents(l.Price),
		})
	}

	// Сумма заказа берётся из подтверждения провайдера, а не из исходной
	// оценки корзины: фактически списанная сумма авторитетна.
	orderID, created, err := s.repo.CreateOrder(ctx, ownerID, intentID, repository.ToCents(res.CapturedAmount), items)
	if err != nil {
		return nil, err
	}

	if !created {
		return &CaptureOutcome{OrderID: orderID, Status: model.CaptureStatusAlreadyCaptured}, nil
	}

	return &CaptureOutcome{OrderID: orderID, Status: model.CaptureStatusCreated}, nil
}

func (s *Service) issueCoupon(ctx context.Context, userID int64) (*model.Coupon, error) {
	code, err := generateCouponCode()
	if err != nil {
		return nil, err
	}

	return s.repo.IssueCoupon(ctx, userID, code, couponDiscountPct, s.now().Add(couponTTL))
}

const couponCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

func generateCouponCode() (string, error) {
	buf := make([]byte, couponCodeRandomLen)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate coupon code: %w", err)
	}
	for i, b := range buf {
		buf[i] = couponCodeAlphabet[int(b)%len(couponCodeAlphabet)]
	}
	return couponCodePrefix + string(buf), nil
}

// GetProducts возвращает каталог товаров через сквозной кеш. Параллельные
// промахи по одному ключу схлопываются в один запрос к БД.
func (s *Service) GetProducts(ctx context.Context) ([]model.Product, error) {
	if v, ok := s.catalog.Get(cacheKeyAllProducts); ok {
		return v.([]model.Product), nil
	}

	v, err, _ := s.sf.Do(cacheKeyAllProducts, func() (any, error) {
		products, err := s.repo.GetProducts(ctx)
		if err != nil {
			return nil, err
		}
		s.catalog.Set(cacheKeyAllProducts, products)
		return products, nil
	})
	if err != nil {
		return nil, err
	}

	return v.([]model.Product), nil
}

// GetProductByID возвращает товар каталога по идентификатору.
func (s *Service) GetProductByID(ctx context.Context, id int64) (*model.Product, error) {
	return s.repo.GetProductByID(ctx, id)
}

// InvalidateCatalogCache сбрасывает кеш каталога. Вызывается администратором
// после изменения товаров в обход сервиса.
func (s *Service) InvalidateCatalogCache() {
	s.catalog.Del(cacheKeyAllProducts)
}

// GetAllOrders возвращает все заказы магазина.
func (s *Service) GetAllOrders(ctx context.Context) ([]model.Order, error) {
	return s.repo.GetAllOrders(ctx)
}

// GetOrdersByUser возвращает заказы пользователя.
func (s *Service) GetOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error) {
	return s.repo.GetOrdersByUser(ctx, userID)
}

// GetOrderByID возвращает заказ по идентификатору.
func (s *Service) GetOrderByID(ctx context.Context, id int64) (*model.Order, error) {
	return s.repo.GetOrderByID(ctx, id)
}
