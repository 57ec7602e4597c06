// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/storefront-system/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrUserExists возвращается при попытке создать пользователя с уже существующим логином.
var (
	ErrUserExists = errors.New("user already exists")
	// ErrUserNotFound возвращается, если пользователь не найден.
	ErrUserNotFound = errors.New("user not found")
	// ErrProductNotFound возвращается, если товар не найден.
	ErrProductNotFound = errors.New("product not found")
	// ErrCouponNotFound возвращается, если активный купон не найден.
	ErrCouponNotFound = errors.New("coupon not found")
	// ErrOrderNotFound возвращается, если заказ не найден.
	ErrOrderNotFound = errors.New("order not found")
)

// OrderItemRecord описывает позицию заказа при сохранении.
type OrderItemRecord struct {
	ProductID  string
	Quantity   int
	PriceCents int64
}

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		// Если ошибка контекста — выходим сразу
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		// Ретраи полезны для Serialization Failure и Deadlocks.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				if i < len(delays) {
					time.Sleep(delays[i])
					continue
				}
			}
		}

		// Если это не pg-ошибка, но сетевая
		if isConnectionError(err) {
			if i < len(delays) {
				time.Sleep(delays[i])
				continue
			}
		}

		break
	}
	return err
}

func isConnectionError(err error) bool {
	// Упрощенная проверка на ошибки соединения
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateUser создаёт нового пользователя с указанной ролью.
func (r *PostgresRepository) CreateUser(ctx context.Context, login string, passwordHash []byte, role model.Role) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO users (login, password_hash, role) VALUES ($1, $2, $3) RETURNING id`,
		login, passwordHash, string(role),
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return 0, fmt.Errorf("%w: %s", ErrUserExists, login)
		}
		return 0, fmt.Errorf("create user: %w", err)
	}
	return id, nil
}

// GetUserByLogin возвращает пользователя по логину.
func (r *PostgresRepository) GetUserByLogin(ctx context.Context, login string) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, login, password_hash, role, created_at FROM users WHERE login = $1`,
		login,
	)

	var u model.User
	var role string
	err := row.Scan(&u.ID, &u.Login, &u.PasswordHash, &role, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	u.Role = model.Role(role)

	return &u, nil
}

// GetProducts возвращает все товары каталога.
func (r *PostgresRepository) GetProducts(ctx context.Context) ([]model.Product, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, name, description, price_cents, category, image_url, created_at
		 FROM products
		 ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("select products: %w", err)
	}
	defer rows.Close()

	var products []model.Product
	for rows.Next() {
		var p model.Product
		var priceCents int64
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &priceCents, &p.Category, &p.ImageURL, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		p.Price = fromCents(priceCents)
		products = append(products, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return products, nil
}

// GetProductByID возвращает товар по идентификатору.
func (r *PostgresRepository) GetProductByID(ctx context.Context, id int64) (*model.Product, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, name, description, price_cents, category, image_url, created_at
		 FROM products
		 WHERE id = $1`,
		id,
	)

	var p model.Product
	var priceCents int64
	err := row.Scan(&p.ID, &p.Name, &p.Description, &priceCents, &p.Category, &p.ImageURL, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProductNotFound
		}
		return nil, fmt.Errorf("get product: %w", err)
	}
	p.Price = fromCents(priceCents)

	return &p, nil
}

// GetActiveCoupon возвращает активный купон пользователя по коду.
func (r *PostgresRepository) GetActiveCoupon(ctx context.Context, code string, userID int64) (*model.Coupon, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, code, user_id, discount_percentage, expires_at, is_active, created_at
		 FROM coupons
		 WHERE code = $1 AND user_id = $2 AND is_active = TRUE`,
		code, userID,
	)

	var c model.Coupon
	err := row.Scan(&c.ID, &c.Code, &c.UserID, &c.DiscountPercentage, &c.ExpiresAt, &c.IsActive, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCouponNotFound
		}
		return nil, fmt.Errorf("get coupon: %w", err)
	}

	return &c, nil
}

// IssueCoupon выдаёт пользователю новый купон, предварительно удаляя существующий.
// Удаление и вставка выполняются в одной транзакции, поэтому у пользователя
// никогда не бывает двух купонов.
func (r *PostgresRepository) IssueCoupon(ctx context.Context, userID int64, code string, discountPercentage int, expiresAt time.Time) (*model.Coupon, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM coupons WHERE user_id = $1`, userID); err != nil {
		return nil, fmt.Errorf("delete existing coupon: %w", err)
	}

	var c model.Coupon
	err = tx.QueryRow(ctx,
		`INSERT INTO coupons (code, user_id, discount_percentage, expires_at, is_active)
		 VALUES ($1, $2, $3, $4, TRUE)
		 RETURNING id, code, user_id, discount_percentage, expires_at, is_active, created_at`,
		code, userID, discountPercentage, expiresAt,
	).Scan(&c.ID, &c.Code, &c.UserID, &c.DiscountPercentage, &c.ExpiresAt, &c.IsActive, &c.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert coupon: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	return &c, nil
}

// RetireCoupon деактивирует купон пользователя. Условие is_active = TRUE в
// запросе гарантирует не более одного перехода true -> false при параллельных
// вызовах. Отсутствие подходящей строки не ошибка: возвращается false.
func (r *PostgresRepository) RetireCoupon(ctx context.Context, code string, userID int64) (bool, error) {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE coupons SET is_active = FALSE
		 WHERE code = $1 AND user_id = $2 AND is_active = TRUE`,
		code, userID,
	)
	if err != nil {
		return false, fmt.Errorf("retire coupon: %w", err)
	}

	return cmdTag.RowsAffected() == 1, nil
}

// CreateOrder сохраняет заказ с позициями. Уникальный индекс provider_order_id
// защищает от двойного сохранения: при конфликте возвращается идентификатор
// существующего заказа и created = false.
func (r *PostgresRepository) CreateOrder(ctx context.Context, userID *int64, providerOrderID string, totalCents int64, items []OrderItemRecord) (int64, bool, error) {
	var orderID int64
	created := false

	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		err = tx.QueryRow(ctx,
			`INSERT INTO orders (user_id, total_cents, provider_order_id) VALUES ($1, $2, $3) RETURNING id`,
			userID, totalCents, providerOrderID,
		).Scan(&orderID)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
				// Заказ по этому платежу уже сохранён параллельным запросом.
				selErr := r.pool.QueryRow(ctx,
					`SELECT id FROM orders WHERE provider_order_id = $1`,
					providerOrderID,
				).Scan(&orderID)
				if selErr != nil {
					return fmt.Errorf("select existing order: %w", selErr)
				}
				created = false
				return nil
			}
			return fmt.Errorf("insert order: %w", err)
		}

		for _, item := range items {
			_, err := tx.Exec(ctx,
				`INSERT INTO order_items (order_id, product_id, quantity, price_cents) VALUES ($1, $2, $3, $4)`,
				orderID, item.ProductID, item.Quantity, item.PriceCents,
			)
			if err != nil {
				return fmt.Errorf("insert order item: %w", err)
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		created = true
		return nil
	})
	if err != nil {
		return 0, false, err
	}

	return orderID, created, nil
}

// GetOrderByProviderID возвращает идентификатор заказа по идентификатору платежа
// провайдера и признак существования заказа.
func (r *PostgresRepository) GetOrderByProviderID(ctx context.Context, providerOrderID string) (int64, bool, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`SELECT id FROM orders WHERE provider_order_id = $1`,
		providerOrderID,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("select order by provider id: %w", err)
	}

	return id, true, nil
}

const orderSelect = `
	SELECT o.id, o.user_id, COALESCE(u.login, ''), o.total_cents, o.provider_order_id, o.created_at,
	       COALESCE(i.product_id, ''), COALESCE(p.name, ''), COALESCE(i.quantity, 0), COALESCE(i.price_cents, 0)
	FROM orders o
	LEFT JOIN users u ON u.id = o.user_id
	LEFT JOIN order_items i ON i.order_id = o.id
	LEFT JOIN products p ON p.id::text = i.product_id`

// GetAllOrders возвращает все заказы, новые первыми, с именем покупателя и
// названиями товаров.
func (r *PostgresRepository) GetAllOrders(ctx context.Context) ([]model.Order, error) {
	rows, err := r.pool.Query(ctx, orderSelect+` ORDER BY o.created_at DESC, o.id DESC, i.id`)
	if err != nil {
		return nil, fmt.Errorf("select orders: %w", err)
	}
	defer rows.Close()

	return scanOrders(rows)
}

// GetOrdersByUser возвращает заказы пользователя, новые первыми.
func (r *PostgresRepository) GetOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error) {
	rows, err := r.pool.Query(ctx, orderSelect+` WHERE o.user_id = $1 ORDER BY o.created_at DESC, o.id DESC, i.id`, userID)
	if err != nil {
		return nil, fmt.Errorf("select user orders: %w", err)
	}
	defer rows.Close()

	return scanOrders(rows)
}

// GetOrderByID возвращает заказ по идентификатору.
func (r *PostgresRepository) GetOrderByID(ctx context.Context, id int64) (*model.Order, error) {
	rows, err := r.pool.Query(ctx, orderSelect+` WHERE o.id = $1 ORDER BY i.id`, id)
	if err != nil {
		return nil, fmt.Errorf("select order: %w", err)
	}
	defer rows.Close()

	orders, err := scanOrders(rows)
	if err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		return nil, ErrOrderNotFound
	}

	return &orders[0], nil
}

func scanOrders(rows pgx.Rows) ([]model.Order, error) {
	var orders []model.Order
	index := make(map[int64]int)

	for rows.Next() {
		var (
			id         int64
			userID     *int64
			userName   string
			totalCents int64
			providerID string
			createdAt  time.Time

			productID   string
			productName string
			quantity    int
			priceCents  int64
		)

		if err := rows.Scan(&id, &userID, &userName, &totalCents, &providerID, &createdAt,
			&productID, &productName, &quantity, &priceCents); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}

		pos, ok := index[id]
		if !ok {
			orders = append(orders, model.Order{
				ID:              id,
				UserID:          userID,
				UserName:        userName,
				TotalAmount:     fromCents(totalCents),
				ProviderOrderID: providerID,
				CreatedAt:       createdAt,
			})
			pos = len(orders) - 1
			index[id] = pos
		}

		// LEFT JOIN даёт пустую позицию для заказа без товаров.
		if productID == "" && quantity == 0 {
			continue
		}

		orders[pos].Items = append(orders[pos].Items, model.OrderItem{
			ProductID:   productID,
			ProductName: productName,
			Quantity:    quantity,
			Price:       fromCents(priceCents),
		})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return orders, nil
}

// ToCents переводит денежную сумму в целые копейки для хранения.
func ToCents(d decimal.Decimal) int64 {
	return d.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}

func fromCents(cents int64) decimal.Decimal {
	return decimal.NewFromInt(cents).Div(decimal.NewFromInt(100))
}
