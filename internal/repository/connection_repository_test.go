package repository

import (
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"tradelink/internal/models"
)

// ============================================================
// ConnectionRepository Tests
// ============================================================

func connectionRows(conns ...*models.BrokerConnection) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{
		"id", "user_id", "broker", "webhook_id", "api_key", "api_secret",
		"client_code", "password", "pin", "totp_secret", "access_token",
		"refresh_token", "token_expiry", "state", "state_detail",
		"broker_config", "created_at", "updated_at",
	})
	for _, c := range conns {
		rows.AddRow(
			c.ID, c.UserID, c.Broker, c.WebhookID, c.APIKey, c.APISecret,
			c.ClientCode, c.Password, c.PIN, c.TOTPSecret, c.AccessToken,
			c.RefreshToken, c.TokenExpiry, c.State, c.StateDetail,
			c.BrokerConfig, c.CreatedAt, c.UpdatedAt,
		)
	}
	return rows
}

func TestNewConnectionRepository(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	repo := NewConnectionRepository(db)
	if repo == nil {
		t.Fatal("NewConnectionRepository returned nil")
	}
	if repo.db != db {
		t.Error("db not set correctly")
	}
}

func TestConnectionRepositoryCreate(t *testing.T) {
	tests := []struct {
		name        string
		conn        *models.BrokerConnection
		mockSetup   func(mock sqlmock.Sqlmock)
		expectError error
	}{
		{
			name: "success",
			conn: &models.BrokerConnection{
				UserID:    7,
				Broker:    "ZERODHA", // нормализуется в нижний регистр
				WebhookID: "wh-abc",
				APIKey:    "enc:key",
				APISecret: "enc:secret",
			},
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(`INSERT INTO broker_connections`).
					WithArgs(7, "zerodha", "wh-abc", "enc:key", "enc:secret", "", "", "", "", "", "",
						(*time.Time)(nil), models.StateCreated, "", "", sqlmock.AnyArg(), sqlmock.AnyArg()).
					WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
			},
		},
		{
			name: "duplicate webhook id",
			conn: &models.BrokerConnection{
				UserID:    7,
				Broker:    "zerodha",
				WebhookID: "wh-abc",
			},
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(`INSERT INTO broker_connections`).
					WillReturnError(errors.New(`pq: duplicate key value violates unique constraint "broker_connections_webhook_id_key" (SQLSTATE 23505)`))
			},
			expectError: ErrWebhookIDExists,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, err := sqlmock.New()
			if err != nil {
				t.Fatalf("failed to create mock: %v", err)
			}
			defer db.Close()

			tt.mockSetup(mock)

			repo := NewConnectionRepository(db)
			err = repo.Create(tt.conn)

			if tt.expectError != nil {
				if !errors.Is(err, tt.expectError) {
					t.Errorf("expected %v, got %v", tt.expectError, err)
				}
			} else {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				if tt.conn.ID != 1 {
					t.Errorf("expected ID=1, got %d", tt.conn.ID)
				}
				if tt.conn.State != models.StateCreated {
					t.Errorf("expected state CREATED, got %s", tt.conn.State)
				}
			}

			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unfulfilled expectations: %v", err)
			}
		})
	}
}

func TestConnectionRepositoryGetByID(t *testing.T) {
	now := time.Now()
	expiry := now.Add(6 * time.Hour)

	tests := []struct {
		name        string
		id          int
		mockSetup   func(mock sqlmock.Sqlmock)
		expectError error
	}{
		{
			name: "found",
			id:   5,
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(`SELECT (.+) FROM broker_connections WHERE id`).
					WithArgs(5).
					WillReturnRows(connectionRows(&models.BrokerConnection{
						ID: 5, UserID: 7, Broker: "upstox", WebhookID: "wh-1",
						State: models.StateAuthenticated, TokenExpiry: &expiry,
						CreatedAt: now, UpdatedAt: now,
					}))
			},
		},
		{
			name: "not found",
			id:   99,
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(`SELECT (.+) FROM broker_connections WHERE id`).
					WithArgs(99).
					WillReturnError(sql.ErrNoRows)
			},
			expectError: ErrConnectionNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, err := sqlmock.New()
			if err != nil {
				t.Fatalf("failed to create mock: %v", err)
			}
			defer db.Close()

			tt.mockSetup(mock)

			repo := NewConnectionRepository(db)
			conn, err := repo.GetByID(tt.id)

			if tt.expectError != nil {
				if !errors.Is(err, tt.expectError) {
					t.Errorf("expected %v, got %v", tt.expectError, err)
				}
			} else {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if conn.ID != tt.id {
					t.Errorf("ID = %d, want %d", conn.ID, tt.id)
				}
				if conn.TokenExpiry == nil || !conn.TokenExpiry.Equal(expiry) {
					t.Errorf("TokenExpiry = %v", conn.TokenExpiry)
				}
			}

			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unfulfilled expectations: %v", err)
			}
		})
	}
}

func TestConnectionRepositoryGetByWebhookID(t *testing.T) {
	now := time.Now()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	// Запрос обязан предпочесть AUTHENTICATED и взять одну строку:
	// старая отключённая запись с тем же webhook id не перехватывает сигнал
	mock.ExpectQuery(`SELECT (.+) FROM broker_connections WHERE user_id = \$1 AND webhook_id = \$2 ORDER BY \(state = \$3\) DESC, updated_at DESC LIMIT 1`).
		WithArgs(7, "wh-1", models.StateAuthenticated).
		WillReturnRows(connectionRows(&models.BrokerConnection{
			ID: 3, UserID: 7, Broker: "shoonya", WebhookID: "wh-1",
			State: models.StateAuthenticated, CreatedAt: now, UpdatedAt: now,
		}))

	repo := NewConnectionRepository(db)
	conn, err := repo.GetByWebhookID(7, "wh-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if conn.Broker != "shoonya" {
		t.Errorf("Broker = %s", conn.Broker)
	}
	if conn.State != models.StateAuthenticated {
		t.Errorf("State = %s", conn.State)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestConnectionRepositoryGetLatestPendingByBroker(t *testing.T) {
	now := time.Now()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(`SELECT (.+) FROM broker_connections WHERE broker = \$1 AND state = \$2`).
		WithArgs("zerodha", models.StatePendingAuth).
		WillReturnRows(connectionRows(&models.BrokerConnection{
			ID: 11, UserID: 2, Broker: "zerodha", WebhookID: "wh-z",
			State: models.StatePendingAuth, CreatedAt: now, UpdatedAt: now,
		}))

	repo := NewConnectionRepository(db)
	conn, err := repo.GetLatestPendingByBroker("zerodha")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if conn.ID != 11 {
		t.Errorf("ID = %d, want 11", conn.ID)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestConnectionRepositoryUpdateTokens(t *testing.T) {
	expiry := time.Now().Add(12 * time.Hour)

	tests := []struct {
		name        string
		mockSetup   func(mock sqlmock.Sqlmock)
		expectError error
	}{
		{
			name: "success",
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec(`UPDATE broker_connections`).
					WithArgs("enc:at", "enc:rt", &expiry, sqlmock.AnyArg(), 5).
					WillReturnResult(sqlmock.NewResult(0, 1))
			},
		},
		{
			name: "not found",
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec(`UPDATE broker_connections`).
					WithArgs("enc:at", "enc:rt", &expiry, sqlmock.AnyArg(), 5).
					WillReturnResult(sqlmock.NewResult(0, 0))
			},
			expectError: ErrConnectionNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, err := sqlmock.New()
			if err != nil {
				t.Fatalf("failed to create mock: %v", err)
			}
			defer db.Close()

			tt.mockSetup(mock)

			repo := NewConnectionRepository(db)
			err = repo.UpdateTokens(5, "enc:at", "enc:rt", &expiry)

			if tt.expectError != nil {
				if !errors.Is(err, tt.expectError) {
					t.Errorf("expected %v, got %v", tt.expectError, err)
				}
			} else if err != nil {
				t.Errorf("unexpected error: %v", err)
			}

			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unfulfilled expectations: %v", err)
			}
		})
	}
}

func TestConnectionRepositoryUpdateState(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	mock.ExpectExec(`UPDATE broker_connections`).
		WithArgs(models.StateExpired, "token expired", sqlmock.AnyArg(), 5).
		WillReturnResult(sqlmock.NewResult(0, 1))

	repo := NewConnectionRepository(db)
	if err := repo.UpdateState(5, models.StateExpired, "token expired"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestConnectionRepositoryWipeTokens(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	mock.ExpectExec(`UPDATE broker_connections`).
		WithArgs(sqlmock.AnyArg(), 5).
		WillReturnResult(sqlmock.NewResult(0, 1))

	repo := NewConnectionRepository(db)
	if err := repo.WipeTokens(5); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestConnectionRepositoryDelete(t *testing.T) {
	tests := []struct {
		name        string
		mockSetup   func(mock sqlmock.Sqlmock)
		expectError error
	}{
		{
			name: "success",
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec(`DELETE FROM broker_connections`).
					WithArgs(5).
					WillReturnResult(sqlmock.NewResult(0, 1))
			},
		},
		{
			name: "not found",
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec(`DELETE FROM broker_connections`).
					WithArgs(5).
					WillReturnResult(sqlmock.NewResult(0, 0))
			},
			expectError: ErrConnectionNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, err := sqlmock.New()
			if err != nil {
				t.Fatalf("failed to create mock: %v", err)
			}
			defer db.Close()

			tt.mockSetup(mock)

			repo := NewConnectionRepository(db)
			err = repo.Delete(5)

			if tt.expectError != nil {
				if !errors.Is(err, tt.expectError) {
					t.Errorf("expected %v, got %v", tt.expectError, err)
				}
			} else if err != nil {
				t.Errorf("unexpected error: %v", err)
			}

			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unfulfilled expectations: %v", err)
			}
		})
	}
}
