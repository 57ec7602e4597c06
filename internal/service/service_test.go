package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/storefront-system/internal/cache"
	"github.com/mmeshcher/storefront-system/internal/gateway"
	"github.com/mmeshcher/storefront-system/internal/intent"
	"github.com/mmeshcher/storefront-system/internal/model"
	"github.com/mmeshcher/storefront-system/internal/repository"
)

type stubRepo struct {
	coupon    *model.Coupon
	couponErr error

	issuedCoupons []string
	issueErr      error

	retireCalls  []string
	retireResult bool
	retireErr    error

	existingOrderID int64
	orderFound      bool

	createOrderCalls int
	createdOwner     *int64
	createdTotal     int64
	createdItems     []repository.OrderItemRecord
	createOrderID    int64
	createOrderNew   bool
	createOrderErr   error

	products         []model.Product
	productsErr      error
	getProductsCalls int

	orders []model.Order
}

func (s *stubRepo) Close() error { return nil }

func (s *stubRepo) CreateUser(ctx context.Context, login string, passwordHash []byte, role model.Role) (int64, error) {
	return 1, nil
}

func (s *stubRepo) GetUserByLogin(ctx context.Context, login string) (*model.User, error) {
	return nil, repository.ErrUserNotFound
}

func (s *stubRepo) GetProducts(ctx context.Context) ([]model.Product, error) {
	s.getProductsCalls++
	return s.products, s.productsErr
}

func (s *stubRepo) GetProductByID(ctx context.Context, id int64) (*model.Product, error) {
	return nil, repository.ErrProductNotFound
}

func (s *stubRepo) GetActiveCoupon(ctx context.Context, code string, userID int64) (*model.Coupon, error) {
	if s.couponErr != nil {
		return nil, s.couponErr
	}
	if s.coupon == nil {
		return nil, repository.ErrCouponNotFound
	}
	return s.coupon, nil
}

func (s *stubRepo) IssueCoupon(ctx context.Context, userID int64, code string, discountPercentage int, expiresAt time.Time) (*model.Coupon, error) {
	if s.issueErr != nil {
		return nil, s.issueErr
	}
	s.issuedCoupons = append(s.issuedCoupons, code)
	return &model.Coupon{Code: code, UserID: userID, DiscountPercentage: discountPercentage, ExpiresAt: expiresAt, IsActive: true}, nil
}

func (s *stubRepo) RetireCoupon(ctx context.Context, code string, userID int64) (bool, error) {
	s.retireCalls = append(s.retireCalls, code)
	return s.retireResult, s.retireErr
}

func (s *stubRepo) CreateOrder(ctx context.Context, userID *int64, providerOrderID string, totalCents int64, items []repository.OrderItemRecord) (int64, bool, error) {
	s.createOrderCalls++
	s.createdOwner = userID
	s.createdTotal = totalCents
	s.createdItems = items
	return s.createOrderID, s.createOrderNew, s.createOrderErr
}

func (s *stubRepo) GetOrderByProviderID(ctx context.Context, providerOrderID string) (int64, bool, error) {
	return s.existingOrderID, s.orderFound, nil
}

func (s *stubRepo) GetAllOrders(ctx context.Context) ([]model.Order, error) {
	return s.orders, nil
}

func (s *stubRepo) GetOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error) {
	return s.orders, nil
}

func (s *stubRepo) GetOrderByID(ctx context.Context, id int64) (*model.Order, error) {
	return nil, repository.ErrOrderNotFound
}

type stubGateway struct {
	configured bool

	intentRes  *gateway.IntentResult
	intentErr  error
	lastIntent gateway.CreateIntentRequest

	captureRes *gateway.CaptureResult
	captureErr error
}

func (g *stubGateway) Configured() bool { return g.configured }

func (g *stubGateway) CreateIntent(ctx context.Context, req gateway.CreateIntentRequest) (*gateway.IntentResult, error) {
	g.lastIntent = req
	return g.intentRes, g.intentErr
}

func (g *stubGateway) GetCaptureStatus(ctx context.Context, intentID string) (*gateway.CaptureResult, error) {
	return g.captureRes, g.captureErr
}

func newTestService(repo *stubRepo, gw *stubGateway) *Service {
	return NewService(repo, gw, cache.New(time.Minute), "https://shop.example", zap.NewNop())
}

func testCart() []model.CartLine {
	return []model.CartLine{
		{ProductID: "p1", Name: "Soap", UnitPrice: decimal.NewFromInt(50), Quantity: 2},
		{ProductID: "p2", Name: "Candle", UnitPrice: decimal.NewFromInt(25), Quantity: 1},
	}
}

func TestCreateIntent_PricingNoCoupon(t *testing.T) {
	repo := &stubRepo{}
	gw := &stubGateway{
		configured: true,
		intentRes:  &gateway.IntentResult{ID: "INT-1", ApprovalURL: "https://provider.example/approve"},
	}
	svc := newTestService(repo, gw)

	out, err := svc.CreateIntent(context.Background(), 7, testCart(), "")
	if err != nil {
		t.Fatalf("CreateIntent error: %v", err)
	}

	if !out.TotalAmount.Equal(decimal.NewFromInt(125)) {
		t.Fatalf("total = %s, want 125", out.TotalAmount)
	}
	if !gw.lastIntent.Amount.Equal(decimal.NewFromInt(125)) {
		t.Fatalf("gateway amount = %s, want 125", gw.lastIntent.Amount)
	}
	if out.IntentID != "INT-1" {
		t.Fatalf("intent id = %q", out.IntentID)
	}
	if out.ApprovalURL != "https://provider.example/approve" {
		t.Fatalf("approval url = %q", out.ApprovalURL)
	}
}

func TestCreateIntent_PricingWithCoupon(t *testing.T) {
	repo := &stubRepo{
		coupon: &model.Coupon{Code: "GIFTAAAAAA", UserID: 7, DiscountPercentage: 10, IsActive: true},
	}
	gw := &stubGateway{
		configured: true,
		intentRes:  &gateway.IntentResult{ID: "INT-1", ApprovalURL: "https://provider.example/approve"},
	}
	svc := newTestService(repo, gw)

	out, err := svc.CreateIntent(context.Background(), 7, testCart(), "GIFTAAAAAA")
	if err != nil {
		t.Fatalf("CreateIntent error: %v", err)
	}

	if !out.TotalAmount.Equal(decimal.RequireFromString("112.5")) {
		t.Fatalf("total = %s, want 112.5", out.TotalAmount)
	}
}

func TestCreateIntent_UnknownCouponIgnored(t *testing.T) {
	repo := &stubRepo{}
	gw := &stubGateway{
		configured: true,
		intentRes:  &gateway.IntentResult{ID: "INT-1", ApprovalURL: "https://provider.example/approve"},
	}
	svc := newTestService(repo, gw)

	out, err := svc.CreateIntent(context.Background(), 7, testCart(), "NOSUCHCODE")
	if err != nil {
		t.Fatalf("CreateIntent must not fail on unknown coupon: %v", err)
	}
	if !out.TotalAmount.Equal(decimal.NewFromInt(125)) {
		t.Fatalf("total = %s, want full price 125", out.TotalAmount)
	}
}

func TestCreateIntent_EmptyCart(t *testing.T) {
	svc := newTestService(&stubRepo{}, &stubGateway{configured: true})

	_, err := svc.CreateIntent(context.Background(), 7, nil, "")
	if !errors.Is(err, ErrInvalidCart) {
		t.Fatalf("error = %v, want ErrInvalidCart", err)
	}
}

func TestCreateIntent_CouponThreshold(t *testing.T) {
	tests := []struct {
		name       string
		cart       []model.CartLine
		wantIssued int
	}{
		{
			name: "exactly at threshold",
			cart: []model.CartLine{
				{ProductID: "p1", UnitPrice: decimal.NewFromInt(100), Quantity: 2},
			},
			wantIssued: 1,
		},
		{
			name: "above threshold",
			cart: []model.CartLine{
				{ProductID: "p1", UnitPrice: decimal.NewFromInt(150), Quantity: 2},
			},
			wantIssued: 1,
		},
		{
			name: "below threshold",
			cart: []model.CartLine{
				{ProductID: "p1", UnitPrice: decimal.RequireFromString("199.99"), Quantity: 1},
			},
			wantIssued: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := &stubRepo{}
			gw := &stubGateway{
				configured: true,
				intentRes:  &gateway.IntentResult{ID: "INT-1", ApprovalURL: "https://provider.example/approve"},
			}
			svc := newTestService(repo, gw)

			if _, err := svc.CreateIntent(context.Background(), 7, tt.cart, ""); err != nil {
				t.Fatalf("CreateIntent error: %v", err)
			}
			if len(repo.issuedCoupons) != tt.wantIssued {
				t.Fatalf("issued coupons = %d, want %d", len(repo.issuedCoupons), tt.wantIssued)
			}
		})
	}
}

func TestCreateIntent_MetadataCarriesIntent(t *testing.T) {
	repo := &stubRepo{}
	gw := &stubGateway{
		configured: true,
		intentRes:  &gateway.IntentResult{ID: "INT-1", ApprovalURL: "https://provider.example/approve"},
	}
	svc := newTestService(repo, gw)

	if _, err := svc.CreateIntent(context.Background(), 7, testCart(), "GIFTAAAAAA"); err != nil {
		t.Fatalf("CreateIntent error: %v", err)
	}

	decoded, ok := intent.Decode(gw.lastIntent.Metadata)
	if !ok {
		t.Fatalf("metadata must round-trip, got %q", gw.lastIntent.Metadata)
	}
	if decoded.UserID == nil || *decoded.UserID != 7 {
		t.Fatalf("metadata user = %v, want 7", decoded.UserID)
	}
	if decoded.CouponCode != "GIFTAAAAAA" {
		t.Fatalf("metadata coupon = %q", decoded.CouponCode)
	}
	if len(decoded.Lines) != 2 {
		t.Fatalf("metadata lines = %d, want 2", len(decoded.Lines))
	}
}

func captureMetadata(t *testing.T, userID int64, couponCode string, lines []model.CartLine) string {
	t.Helper()

	raw, err := intent.Encode(intent.New(userID, couponCode, lines))
	if err != nil {
		t.Fatalf("encode metadata: %v", err)
	}
	return raw
}

func TestCapture_CreatesOrder(t *testing.T) {
	lines := []model.CartLine{
		{ProductID: "p1", UnitPrice: decimal.NewFromInt(30), Quantity: 3},
	}
	repo := &stubRepo{
		createOrderID:  41,
		createOrderNew: true,
	}
	gw := &stubGateway{
		configured: true,
		captureRes: &gateway.CaptureResult{
			Status:         gateway.StatusCompleted,
			CapturedAmount: decimal.RequireFromString("90.00"),
			Metadata:       captureMetadata(t, 7, "", lines),
		},
	}
	svc := newTestService(repo, gw)

	out, err := svc.Capture(context.Background(), 7, "INT-1")
	if err != nil {
		t.Fatalf("Capture error: %v", err)
	}

	if out.Status != model.CaptureStatusCreated {
		t.Fatalf("status = %q, want %q", out.Status, model.CaptureStatusCreated)
	}
	if out.OrderID != 41 {
		t.Fatalf("order id = %d, want 41", out.OrderID)
	}
	if repo.createdTotal != 9000 {
		t.Fatalf("total cents = %d, want 9000", repo.createdTotal)
	}
	if repo.createdOwner == nil || *repo.createdOwner != 7 {
		t.Fatalf("owner = %v, want 7", repo.createdOwner)
	}
	if len(repo.createdItems) != 1 {
		t.Fatalf("items = %d, want 1", len(repo.createdItems))
	}
	item := repo.createdItems[0]
	if item.ProductID != "p1" || item.Quantity != 3 || item.PriceCents != 3000 {
		t.Fatalf("unexpected item: %+v", item)
	}
}

func TestCapture_IdempotentReplay(t *testing.T) {
	repo := &stubRepo{
		existingOrderID: 41,
		orderFound:      true,
	}
	gw := &stubGateway{
		configured: true,
		captureRes: &gateway.CaptureResult{
			Status:         gateway.StatusCompleted,
			CapturedAmount: decimal.NewFromInt(90),
		},
	}
	svc := newTestService(repo, gw)

	out, err := svc.Capture(context.Background(), 7, "INT-1")
	if err != nil {
		t.Fatalf("Capture error: %v", err)
	}

	if out.Status != model.CaptureStatusAlreadyCaptured {
		t.Fatalf("status = %q, want %q", out.Status, model.CaptureStatusAlreadyCaptured)
	}
	if out.OrderID != 41 {
		t.Fatalf("order id = %d, want 41", out.OrderID)
	}
	if repo.createOrderCalls != 0 {
		t.Fatalf("CreateOrder calls = %d, want 0", repo.createOrderCalls)
	}
}

func TestCapture_DuplicateInsertRace(t *testing.T) {
	// Предварительная проверка не нашла заказ, но вставка упёрлась в
	// уникальный индекс: параллельное подтверждение успело раньше.
	repo := &stubRepo{
		createOrderID:  41,
		createOrderNew: false,
	}
	gw := &stubGateway{
		configured: true,
		captureRes: &gateway.CaptureResult{
			Status:         gateway.StatusCompleted,
			CapturedAmount: decimal.NewFromInt(90),
			Metadata:       captureMetadata(t, 7, "", testCart()),
		},
	}
	svc := newTestService(repo, gw)

	out, err := svc.Capture(context.Background(), 7, "INT-1")
	if err != nil {
		t.Fatalf("Capture error: %v", err)
	}

	if out.Status != model.CaptureStatusAlreadyCaptured {
		t.Fatalf("status = %q, want %q", out.Status, model.CaptureStatusAlreadyCaptured)
	}
	if out.OrderID != 41 {
		t.Fatalf("order id = %d, want 41", out.OrderID)
	}
}

func TestCapture_NotCompleted(t *testing.T) {
	repo := &stubRepo{}
	gw := &stubGateway{
		configured: true,
		captureRes: &gateway.CaptureResult{Status: "PENDING"},
	}
	svc := newTestService(repo, gw)

	_, err := svc.Capture(context.Background(), 7, "INT-1")

	var notCompleted *PaymentNotCompletedError
	if !errors.As(err, &notCompleted) {
		t.Fatalf("error = %v, want *PaymentNotCompletedError", err)
	}
	if notCompleted.Status != "PENDING" {
		t.Fatalf("status = %q, want PENDING", notCompleted.Status)
	}
	if repo.createOrderCalls != 0 {
		t.Fatalf("CreateOrder calls = %d, want 0", repo.createOrderCalls)
	}
}

func TestCapture_MalformedMetadata(t *testing.T) {
	repo := &stubRepo{
		createOrderID:  41,
		createOrderNew: true,
	}
	gw := &stubGateway{
		configured: true,
		captureRes: &gateway.CaptureResult{
			Status:         gateway.StatusCompleted,
			CapturedAmount: decimal.RequireFromString("55.10"),
			Metadata:       "not json at all",
		},
	}
	svc := newTestService(repo, gw)

	out, err := svc.Capture(context.Background(), 7, "INT-1")
	if err != nil {
		t.Fatalf("Capture must not fail on malformed metadata: %v", err)
	}

	if out.Status != model.CaptureStatusCreated {
		t.Fatalf("status = %q, want %q", out.Status, model.CaptureStatusCreated)
	}
	if len(repo.createdItems) != 0 {
		t.Fatalf("items = %d, want 0 for degraded order", len(repo.createdItems))
	}
	if repo.createdTotal != 5510 {
		t.Fatalf("total cents = %d, want 5510", repo.createdTotal)
	}
	// Владелец берётся из запроса, когда метаданные потеряны.
	if repo.createdOwner == nil || *repo.createdOwner != 7 {
		t.Fatalf("owner = %v, want requester 7", repo.createdOwner)
	}
}

func TestCapture_RetiresCoupon(t *testing.T) {
	repo := &stubRepo{
		createOrderID:  41,
		createOrderNew: true,
		retireResult:   true,
	}
	gw := &stubGateway{
		configured: true,
		captureRes: &gateway.CaptureResult{
			Status:         gateway.StatusCompleted,
			CapturedAmount: decimal.NewFromInt(112),
			Metadata:       captureMetadata(t, 7, "GIFTAAAAAA", testCart()),
		},
	}
	svc := newTestService(repo, gw)

	if _, err := svc.Capture(context.Background(), 7, "INT-1"); err != nil {
		t.Fatalf("Capture error: %v", err)
	}

	if len(repo.retireCalls) != 1 || repo.retireCalls[0] != "GIFTAAAAAA" {
		t.Fatalf("retire calls = %v, want [GIFTAAAAAA]", repo.retireCalls)
	}
}

func TestCapture_RetireMissSwallowed(t *testing.T) {
	repo := &stubRepo{
		createOrderID:  41,
		createOrderNew: true,
		retireResult:   false,
	}
	gw := &stubGateway{
		configured: true,
		captureRes: &gateway.CaptureResult{
			Status:         gateway.StatusCompleted,
			CapturedAmount: decimal.NewFromInt(112),
			Metadata:       captureMetadata(t, 7, "GIFTAAAAAA", testCart()),
		},
	}
	svc := newTestService(repo, gw)

	out, err := svc.Capture(context.Background(), 7, "INT-1")
	if err != nil {
		t.Fatalf("Capture must not fail when coupon is already gone: %v", err)
	}
	if out.Status != model.CaptureStatusCreated {
		t.Fatalf("status = %q, want %q", out.Status, model.CaptureStatusCreated)
	}
}

func TestCapture_GatewayErrorPropagates(t *testing.T) {
	gw := &stubGateway{
		configured: true,
		captureErr: gateway.ErrTimeout,
	}
	svc := newTestService(&stubRepo{}, gw)

	_, err := svc.Capture(context.Background(), 7, "INT-1")
	if !errors.Is(err, gateway.ErrTimeout) {
		t.Fatalf("error = %v, want gateway.ErrTimeout", err)
	}
}

func TestGenerateCouponCode(t *testing.T) {
	code, err := generateCouponCode()
	if err != nil {
		t.Fatalf("generateCouponCode error: %v", err)
	}

	if !strings.HasPrefix(code, couponCodePrefix) {
		t.Fatalf("code %q must start with %q", code, couponCodePrefix)
	}
	if len(code) != len(couponCodePrefix)+couponCodeRandomLen {
		t.Fatalf("code length = %d", len(code))
	}
	for _, ch := range code {
		if !strings.ContainsRune(couponCodeAlphabet, ch) {
			t.Fatalf("unexpected rune %q in code %q", ch, code)
		}
	}
}

func TestGetProducts_Cached(t *testing.T) {
	repo := &stubRepo{
		products: []model.Product{{ID: 1, Name: "Soap", Price: decimal.NewFromInt(5)}},
	}
	svc := newTestService(repo, &stubGateway{})

	for i := 0; i < 3; i++ {
		products, err := svc.GetProducts(context.Background())
		if err != nil {
			t.Fatalf("GetProducts error: %v", err)
		}
		if len(products) != 1 {
			t.Fatalf("products = %d, want 1", len(products))
		}
	}

	if repo.getProductsCalls != 1 {
		t.Fatalf("repo calls = %d, want 1", repo.getProductsCalls)
	}

	svc.InvalidateCatalogCache()

	if _, err := svc.GetProducts(context.Background()); err != nil {
		t.Fatalf("GetProducts error: %v", err)
	}
	if repo.getProductsCalls != 2 {
		t.Fatalf("repo calls after invalidation = %d, want 2", repo.getProductsCalls)
	}
}
