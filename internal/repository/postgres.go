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
	"github.com/sethvargo/go-retry"

	"github.com/mmeshcher/marketplace-system/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrProductNotFound возвращается, если товар отсутствует в каталоге.
var (
	ErrProductNotFound = errors.New("product not found")
	// ErrInsufficientStock возвращается, если условное списание остатка не прошло:
	// на складе меньше, чем запрошено.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrOrderNotFound возвращается, если заказ не найден.
	ErrOrderNotFound = errors.New("order not found")
	// ErrCartItemNotFound возвращается при удалении отсутствующей позиции корзины.
	ErrCartItemNotFound = errors.New("cart item not found")
)

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

// withRetry повторяет операцию при временных ошибках БД: serialization failure,
// deadlock и обрывы соединения. Доменные ошибки не ретраятся.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	backoff := retry.WithMaxRetries(3, retry.NewFibonacci(500*time.Millisecond))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				return retry.RetryableError(err)
			}
			return err
		}

		if isConnectionError(err) {
			return retry.RetryableError(err)
		}

		return err
	})
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

// GetProduct возвращает товар каталога по идентификатору.
func (r *PostgresRepository) GetProduct(ctx context.Context, productID int64) (*model.Product, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, name, price, stock, created_at FROM products WHERE id = $1`,
		productID,
	)

	var p model.Product
	err := row.Scan(&p.ID, &p.Name, &p.PriceCents, &p.Stock, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %d", ErrProductNotFound, productID)
		}
		return nil, fmt.Errorf("get product: %w", err)
	}

	return &p, nil
}

// DecrementStockIfAvailable атомарно уменьшает остаток товара на quantity, только
// если текущий остаток не меньше quantity. Сравнение и запись выполняются одним
// условным UPDATE: раздельные чтение и запись дают гонку и оверселлинг.
func (r *PostgresRepository) DecrementStockIfAvailable(ctx context.Context, productID, quantity int64) error {
	return r.withRetry(ctx, func() error {
		cmdTag, err := r.pool.Exec(ctx,
			`UPDATE products SET stock = stock - $2 WHERE id = $1 AND stock >= $2`,
			productID, quantity,
		)
		if err != nil {
			return fmt.Errorf("decrement stock: %w", err)
		}

		if cmdTag.RowsAffected() == 1 {
			return nil
		}

		// Обновление не прошло: различаем отсутствие товара и нехватку остатка.
		var stock int64
		err = r.pool.QueryRow(ctx, `SELECT stock FROM products WHERE id = $1`, productID).Scan(&stock)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("%w: %d", ErrProductNotFound, productID)
			}
			return fmt.Errorf("check stock: %w", err)
		}

		return fmt.Errorf("%w: product %d, available %d, requested %d",
			ErrInsufficientStock, productID, stock, quantity)
	})
}

// IncrementStock безусловно возвращает quantity единиц товара на склад.
// Используется при откате неудавшегося оформления и при отмене/возврате заказа.
func (r *PostgresRepository) IncrementStock(ctx context.Context, productID, quantity int64) error {
	return r.withRetry(ctx, func() error {
		cmdTag, err := r.pool.Exec(ctx,
			`UPDATE products SET stock = stock + $2 WHERE id = $1`,
			productID, quantity,
		)
		if err != nil {
			return fmt.Errorf("increment stock: %w", err)
		}
		if cmdTag.RowsAffected() == 0 {
			return fmt.Errorf("%w: %d", ErrProductNotFound, productID)
		}
		return nil
	})
}

// GetCartByUser возвращает корзину пользователя, создавая пустую при первом
// обращении. Позиции обогащаются актуальными названием и ценой из каталога;
// позиции удалённых товаров отбрасываются.
func (r *PostgresRepository) GetCartByUser(ctx context.Context, userID int64) (*model.Cart, error) {
	var cartID int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO carts (user_id) VALUES ($1)
		 ON CONFLICT (user_id) DO UPDATE SET user_id = EXCLUDED.user_id
		 RETURNING id`,
		userID,
	).Scan(&cartID)
	if err != nil {
		return nil, fmt.Errorf("ensure cart: %w", err)
	}

	rows, err := r.pool.Query(ctx,
		`SELECT ci.product_id, ci.quantity, p.name, p.price
		 FROM cart_items ci
		 JOIN products p ON p.id = ci.product_id
		 WHERE ci.cart_id = $1
		 ORDER BY ci.added_at`,
		cartID,
	)
	if err != nil {
		return nil, fmt.Errorf("select cart items: %w", err)
	}
	defer rows.Close()

	cart := &model.Cart{ID: cartID, UserID: userID}
	for rows.Next() {
		var item model.CartItem
		if err := rows.Scan(&item.ProductID, &item.Quantity, &item.Name, &item.PriceCents); err != nil {
			return nil, fmt.Errorf("scan cart item: %w", err)
		}
		cart.Items = append(cart.Items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return cart, nil
}

// SetCartItem добавляет позицию в корзину пользователя или заменяет её количество.
// Семантика last-write-wins, как у остальной корзины.
func (r *PostgresRepository) SetCartItem(ctx context.Context, userID, productID, quantity int64) error {
	return r.withRetry(ctx, func() error {
		_, err := r.pool.Exec(ctx,
			`WITH c AS (
				INSERT INTO carts (user_id) VALUES ($1)
				ON CONFLICT (user_id) DO UPDATE SET user_id = EXCLUDED.user_id
				RETURNING id
			 )
			 INSERT INTO cart_items (cart_id, product_id, quantity)
			 SELECT c.id, $2, $3 FROM c
			 ON CONFLICT (cart_id, product_id) DO UPDATE SET quantity = EXCLUDED.quantity`,
			userID, productID, quantity,
		)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.ForeignKeyViolation {
				return fmt.Errorf("%w: %d", ErrProductNotFound, productID)
			}
			return fmt.Errorf("set cart item: %w", err)
		}
		return nil
	})
}

// RemoveCartItem удаляет позицию из корзины пользователя.
func (r *PostgresRepository) RemoveCartItem(ctx context.Context, userID, productID int64) error {
	cmdTag, err := r.pool.Exec(ctx,
		`DELETE FROM cart_items ci
		 USING carts c
		 WHERE ci.cart_id = c.id AND c.user_id = $1 AND ci.product_id = $2`,
		userID, productID,
	)
	if err != nil {
		return fmt.Errorf("remove cart item: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return fmt.Errorf("%w: product %d", ErrCartItemNotFound, productID)
	}
	return nil
}

// ClearCart очищает корзину пользователя.
func (r *PostgresRepository) ClearCart(ctx context.Context, userID int64) error {
	_, err := r.pool.Exec(ctx,
		`DELETE FROM cart_items ci
		 USING carts c
		 WHERE ci.cart_id = c.id AND c.user_id = $1`,
		userID,
	)
	if err != nil {
		return fmt.Errorf("clear cart: %w", err)
	}
	return nil
}

// CreateOrder сохраняет заказ вместе с позициями в одной транзакции и
// заполняет поля CreatedAt/UpdatedAt из БД.
func (r *PostgresRepository) CreateOrder(ctx context.Context, order *model.Order) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		err = tx.QueryRow(ctx,
			`INSERT INTO orders (id, user_id, status, total)
			 VALUES ($1, $2, $3, $4)
			 RETURNING created_at, updated_at`,
			order.ID, order.UserID, string(order.Status), order.TotalCents,
		).Scan(&order.CreatedAt, &order.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert order: %w", err)
		}

		for _, item := range order.Items {
			_, err = tx.Exec(ctx,
				`INSERT INTO order_items (order_id, product_id, name, quantity, price_at_purchase)
				 VALUES ($1, $2, $3, $4, $5)`,
				order.ID, item.ProductID, item.Name, item.Quantity, item.PriceAtPurchaseCents,
			)
			if err != nil {
				return fmt.Errorf("insert order item: %w", err)
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		return nil
	})
}

// GetOrderByID возвращает заказ вместе с позициями.
func (r *PostgresRepository) GetOrderByID(ctx context.Context, orderID string) (*model.Order, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, user_id, status, total,
		        COALESCE(preference_id, ''), COALESCE(payment_id, ''),
		        COALESCE(payment_status, ''), COALESCE(payment_status_detail, ''),
		        created_at, updated_at
		 FROM orders WHERE id = $1`,
		orderID,
	)

	var o model.Order
	var status string
	err := row.Scan(&o.ID, &o.UserID, &status, &o.TotalCents,
		&o.PreferenceID, &o.PaymentID, &o.PaymentStatus, &o.PaymentStatusDetail,
		&o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
		}
		return nil, fmt.Errorf("get order: %w", err)
	}
	o.Status = model.OrderStatus(status)

	items, err := r.getOrderItems(ctx, []string{o.ID})
	if err != nil {
		return nil, err
	}
	o.Items = items[o.ID]

	return &o, nil
}

// GetOrdersByUser возвращает заказы пользователя от новых к старым.
func (r *PostgresRepository) GetOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, user_id, status, total,
		        COALESCE(preference_id, ''), COALESCE(payment_id, ''),
		        COALESCE(payment_status, ''), COALESCE(payment_status_detail, ''),
		        created_at, updated_at
		 FROM orders
		 WHERE user_id = $1
		 ORDER BY created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select orders: %w", err)
	}
	defer rows.Close()

	var orders []model.Order
	var ids []string
	for rows.Next() {
		var o model.Order
		var status string
		if err := rows.Scan(&o.ID, &o.UserID, &status, &o.TotalCents,
			&o.PreferenceID, &o.PaymentID, &o.PaymentStatus, &o.PaymentStatusDetail,
			&o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		o.Status = model.OrderStatus(status)
		orders = append(orders, o)
		ids = append(ids, o.ID)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	if len(orders) == 0 {
		return orders, nil
	}

	items, err := r.getOrderItems(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range orders {
		orders[i].Items = items[orders[i].ID]
	}

	return orders, nil
}

func (r *PostgresRepository) getOrderItems(ctx context.Context, orderIDs []string) (map[string][]model.OrderItem, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT order_id, product_id, name, quantity, price_at_purchase
		 FROM order_items
		 WHERE order_id = ANY($1)
		 ORDER BY id`,
		orderIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("select order items: %w", err)
	}
	defer rows.Close()

	res := make(map[string][]model.OrderItem)
	for rows.Next() {
		var orderID string
		var item model.OrderItem
		if err := rows.Scan(&orderID, &item.ProductID, &item.Name, &item.Quantity, &item.PriceAtPurchaseCents); err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		res[orderID] = append(res[orderID], item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// UpdateOrderStatusIf условно переводит заказ из статуса from в статус to, не
// трогая платёжные поля. Допустимость перехода по таблице статусов проверяет
// вызывающая сторона; условие WHERE гарантирует, что переход выполняется ровно
// один раз даже при конкурентной смене статуса между чтением и записью.
func (r *PostgresRepository) UpdateOrderStatusIf(ctx context.Context, orderID string, from, to model.OrderStatus) (bool, error) {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE orders SET status = $3, updated_at = now() WHERE id = $1 AND status = $2`,
		orderID, string(from), string(to),
	)
	if err != nil {
		return false, fmt.Errorf("update order status: %w", err)
	}
	return cmdTag.RowsAffected() == 1, nil
}

// UpdateOrderPayment записывает платёжные поля заказа без смены статуса.
func (r *PostgresRepository) UpdateOrderPayment(ctx context.Context, orderID, paymentID, paymentStatus, paymentStatusDetail string) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE orders
		 SET payment_id = $2, payment_status = $3, payment_status_detail = $4, updated_at = now()
		 WHERE id = $1`,
		orderID, paymentID, paymentStatus, paymentStatusDetail,
	)
	if err != nil {
		return fmt.Errorf("update order payment: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	return nil
}

// TransitionOrderStatus условно переводит заказ из статуса from в статус to,
// попутно записывая платёжные поля. Возвращает признак того, что переход
// выполнен именно этим вызовом: при конкурентных уведомлениях по одному заказу
// переход достаётся ровно одному из них.
func (r *PostgresRepository) TransitionOrderStatus(ctx context.Context, orderID string, from, to model.OrderStatus, paymentID, paymentStatus, paymentStatusDetail string) (bool, error) {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE orders
		 SET status = $3, payment_id = $4, payment_status = $5, payment_status_detail = $6, updated_at = now()
		 WHERE id = $1 AND status = $2`,
		orderID, string(from), string(to), paymentID, paymentStatus, paymentStatusDetail,
	)
	if err != nil {
		return false, fmt.Errorf("transition order status: %w", err)
	}
	return cmdTag.RowsAffected() == 1, nil
}

// SetOrderPreference сохраняет идентификатор платёжной сессии провайдера.
func (r *PostgresRepository) SetOrderPreference(ctx context.Context, orderID, preferenceID string) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE orders SET preference_id = $2, updated_at = now() WHERE id = $1`,
		orderID, preferenceID,
	)
	if err != nil {
		return fmt.Errorf("set order preference: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	return nil
}

// HasPaymentEvent сообщает, было ли уведомление с таким идентификатором платежа
// уже обработано.
func (r *PostgresRepository) HasPaymentEvent(ctx context.Context, providerPaymentID string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM payment_events WHERE provider_payment_id = $1)`,
		providerPaymentID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check payment event: %w", err)
	}
	return exists, nil
}

// InsertPaymentEvent добавляет запись журнала платежей и возвращает признак
// того, что запись создана. Уникальный индекс по идентификатору платежа
// выступает арбитром при конкурентной доставке одного уведомления: проигравший
// получает inserted=false и трактует уведомление как дубликат.
func (r *PostgresRepository) InsertPaymentEvent(ctx context.Context, providerPaymentID string, payload []byte) (bool, error) {
	var inserted bool
	err := r.withRetry(ctx, func() error {
		cmdTag, err := r.pool.Exec(ctx,
			`INSERT INTO payment_events (provider_payment_id, payload)
			 VALUES ($1, $2)
			 ON CONFLICT (provider_payment_id) DO NOTHING`,
			providerPaymentID, payload,
		)
		if err != nil {
			return fmt.Errorf("insert payment event: %w", err)
		}
		inserted = cmdTag.RowsAffected() == 1
		return nil
	})
	return inserted, err
}
