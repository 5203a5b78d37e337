package observability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return mr, client
}

func TestHealthChecker_NoDependencies(t *testing.T) {
	status := NewHealthChecker("test").Check(context.Background())

	if status.Status != StatusHealthy {
		t.Errorf("status = %s, want healthy", status.Status)
	}
	if status.Version != "test" {
		t.Errorf("version = %s, want test", status.Version)
	}
	if len(status.Dependencies) != 0 {
		t.Errorf("expected no dependencies, got %v", status.Dependencies)
	}
}

func TestHealthChecker_Database(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		if err != nil {
			t.Fatalf("failed to create mock db: %v", err)
		}
		defer db.Close()
		mock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))

		status := NewHealthChecker("").AddCheck("database", true, DatabaseCheck(db)).Check(context.Background())
		if status.Status != StatusHealthy {
			t.Errorf("status = %s, want healthy", status.Status)
		}
		if status.Dependencies["database"].Status != StatusHealthy {
			t.Errorf("database status = %s", status.Dependencies["database"].Status)
		}
	})

	t.Run("unhealthy", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		if err != nil {
			t.Fatalf("failed to create mock db: %v", err)
		}
		defer db.Close()
		mock.ExpectQuery("SELECT 1").WillReturnError(errors.New("connection refused"))

		status := NewHealthChecker("").AddCheck("database", true, DatabaseCheck(db)).Check(context.Background())
		if status.Status != StatusUnhealthy {
			t.Errorf("status = %s, want unhealthy", status.Status)
		}
	})
}

func TestHealthChecker_OptionalFailureDegrades(t *testing.T) {
	mr, client := newRedis(t)

	checker := NewHealthChecker("").AddCheck("redis", false, RedisCheck(client))
	if got := checker.Check(context.Background()).Status; got != StatusHealthy {
		t.Fatalf("status = %s, want healthy", got)
	}

	mr.Close()
	status := checker.Check(context.Background())
	if status.Status != StatusDegraded {
		t.Errorf("status after redis loss = %s, want degraded", status.Status)
	}
	if status.Dependencies["redis"].Status != StatusUnhealthy {
		t.Errorf("redis status = %s, want unhealthy", status.Dependencies["redis"].Status)
	}
}

func TestHealthChecker_DegradedCheck(t *testing.T) {
	checker := NewHealthChecker("").
		AddCheck("plan_catalog", true, func(context.Context) error {
			return fmt.Errorf("%w: no purchasable plans", ErrDegraded)
		})

	status := checker.Check(context.Background())
	if status.Status != StatusDegraded {
		t.Errorf("status = %s, want degraded", status.Status)
	}
	if got := status.Dependencies["plan_catalog"].Message; got != "degraded: no purchasable plans" {
		t.Errorf("message = %q", got)
	}
}

func TestHealthRoutes(t *testing.T) {
	checker := NewHealthChecker("v1").AddCheck("database", true, func(context.Context) error {
		return errors.New("down")
	})

	serveMux := http.NewServeMux()
	RegisterHealthRoutes(serveMux, checker)

	rec := httptest.NewRecorder()
	serveMux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("liveness = %d, want 200", rec.Code)
	}

	rec = httptest.NewRecorder()
	serveMux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("readiness = %d, want 503", rec.Code)
	}

	var body HealthStatus
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if body.Status != StatusUnhealthy {
		t.Errorf("body status = %s, want unhealthy", body.Status)
	}
	if !body.Dependencies["database"].Required {
		t.Error("database should be reported as required")
	}
}
