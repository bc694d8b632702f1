// Package api republishes the harvested data as JSON endpoints. It is a
// read-only facade over the SQLite sink and the progress ledger.
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/krxquant/krx-harvester/internal/dateutil"
	"github.com/krxquant/krx-harvester/internal/models"
	"github.com/krxquant/krx-harvester/internal/progress"
	"github.com/krxquant/krx-harvester/internal/storage"
)

type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// SetupRoutes registers all endpoints on the router.
func SetupRoutes(router *gin.Engine, store *storage.SQLiteStore, ledger *progress.Store) {
	router.GET("/health", healthCheck)

	stock := router.Group("/api/stock")
	{
		stock.GET("/ticker/list", getTickerList(store))
		stock.GET("/ticker/:ticker/name", getTickerName(store))
		stock.GET("/ohlcv/ticker", getOHLCVByTicker(store))
		stock.GET("/ohlcv/date", getOHLCVByDate(store))
	}

	router.GET("/api/harvest/progress", getProgress(ledger))
}

func healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
	})
}

func getTickerList(store *storage.SQLiteStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		date, err := dateutil.Parse(c.Query("date"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "date must be YYYYMMDD"})
			return
		}
		market := models.ParseMarket(c.Query("market"))
		if c.Query("market") == "" {
			market = ""
		}

		tickers, err := store.TickersForDate(c.Request.Context(), date, market)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"date":    dateutil.Format(date),
			"tickers": tickers,
			"count":   len(tickers),
		})
	}
}

func getTickerName(store *storage.SQLiteStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		ticker := c.Param("ticker")
		name, err := store.TickerName(c.Request.Context(), ticker)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if name == "" {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown ticker"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ticker": ticker, "name": name})
	}
}

func getOHLCVByTicker(store *storage.SQLiteStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		ticker := c.Query("ticker")
		if ticker == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "ticker is required"})
			return
		}
		from, err := dateutil.Parse(c.Query("from"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "from must be YYYYMMDD"})
			return
		}
		to, err := dateutil.Parse(c.Query("to"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "to must be YYYYMMDD"})
			return
		}

		bars, err := store.BarsByTicker(c.Request.Context(), ticker, from, to)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ticker": ticker, "bars": bars, "count": len(bars)})
	}
}

func getOHLCVByDate(store *storage.SQLiteStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		date, err := dateutil.Parse(c.Query("date"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "date must be YYYYMMDD"})
			return
		}
		bars, err := store.BarsByDate(c.Request.Context(), date)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"date": dateutil.Format(date), "bars": bars, "count": len(bars)})
	}
}

func getProgress(ledger *progress.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		stats := ledger.Stats()
		c.JSON(http.StatusOK, gin.H{
			"metadata_collected": ledger.IsMetadataCollected(),
			"stats":              stats,
			"pending":            len(ledger.Pending()),
		})
	}
}
