package store

import "github.com/cabelost/depillo-sistema/internal/models"

var transitionMap = map[string][]string{
	"start":        {models.OrderStatusPending},
	"finish":       {models.OrderStatusInProgress},
	"force_finish": {models.OrderStatusPending, models.OrderStatusInProgress},
	"reassign":     {models.OrderStatusPending},
	"notes":        {models.OrderStatusPending, models.OrderStatusInProgress, models.OrderStatusCompleted},
}

func ValidTransition(action, fromStatus string) bool {
	allowed, ok := transitionMap[action]
	if !ok {
		return false
	}
	for _, status := range allowed {
		if status == fromStatus {
			return true
		}
	}
	return false
}
