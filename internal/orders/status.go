package orders

import "github.com/safar/storefront/internal/models"

// Position of each status on the fulfilment path. Cancelled sits off the
// path and is reachable from any non-terminal status.
var statusRank = map[models.OrderStatus]int{
	models.OrderStatusPending:    0,
	models.OrderStatusProcessing: 1,
	models.OrderStatusShipped:    2,
	models.OrderStatusDelivered:  3,
}

func ValidStatus(s models.OrderStatus) bool {
	if s == models.OrderStatusCancelled {
		return true
	}
	_, ok := statusRank[s]
	return ok
}

func IsTerminal(s models.OrderStatus) bool {
	return s == models.OrderStatusDelivered || s == models.OrderStatusCancelled
}

// CanTransition reports whether an order may move from one status to another.
// Moves only go forward along the fulfilment path, may skip steps, and never
// leave a terminal status.
func CanTransition(from, to models.OrderStatus) bool {
	if !ValidStatus(from) || !ValidStatus(to) || IsTerminal(from) {
		return false
	}
	if to == models.OrderStatusCancelled {
		return true
	}
	return statusRank[to] > statusRank[from]
}
