package service

import "errors"

var (
	ErrAddProduct    = errors.New("failed to add product")
	ErrRemoveProduct = errors.New("failed to remove product")
	ErrUpdateAmount  = errors.New("failed to update product amount")
	ErrOutOfStock    = errors.New("requested amount is out of stock")
	ErrInvalidAmount = errors.New("amount must be at least 1")
	ErrItemNotFound  = errors.New("product is not in the cart")
	ErrClosed        = errors.New("cart store closed")
)
