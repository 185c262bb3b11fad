package database

import (
	"database/sql"
	"fmt"
	"log"
)

func SaveMetric(metricName string, value float64) error {
	query := `
	INSERT OR REPLACE INTO metrics (metric_name, label_key, label_value, metric_value)
	VALUES (?, NULL, NULL, ?);`
	_, err := DB.Exec(query, metricName, value)
	if err != nil {
		return fmt.Errorf("failed to save metric: %w", err)
	}
	return nil
}

func GetMetric(metricName string) (float64, error) {
	var value float64
	query := `
	SELECT metric_value
	FROM metrics
	WHERE metric_name = ? AND label_key IS NULL AND label_value IS NULL;`
	err := DB.QueryRow(query, metricName).Scan(&value)
	if err == sql.ErrNoRows {
		log.Printf("Metric %s not found in the database, defaulting to 0", metricName)
		return 0, nil
	} else if err != nil {
		return 0, fmt.Errorf("failed to get metric %s: %w", metricName, err)
	}
	return value, nil
}

func SaveMetricWithLabel(metricName, labelKey, labelValue string, value float64) error {
	query := `
	INSERT OR REPLACE INTO metrics (metric_name, label_key, label_value, metric_value)
	VALUES (?, ?, ?, ?);`
	_, err := DB.Exec(query, metricName, labelKey, labelValue, value)
	if err != nil {
		return fmt.Errorf("failed to save metric with label: %w", err)
	}
	return nil
}

// GetMetricsWithLabel fetches all label values recorded for a metric, keyed by
// label value.
func GetMetricsWithLabel(metricName, labelKey string) (map[string]float64, error) {
	query := `
	SELECT label_value, metric_value
	FROM metrics
	WHERE metric_name = ? AND label_key = ?;`

	rows, err := DB.Query(query, metricName, labelKey)
	if err != nil {
		return nil, fmt.Errorf("failed to query metrics with label: %w", err)
	}
	defer rows.Close()

	metrics := make(map[string]float64)
	for rows.Next() {
		var labelValue string
		var value float64
		if err := rows.Scan(&labelValue, &value); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		metrics[labelValue] = value
	}
	return metrics, rows.Err()
}
