package model

import (
	"encoding/json"
	"time"
)

// TransactionStatus は取引の状態。
type TransactionStatus string

const (
	TransactionStatusPending TransactionStatus = "pending"
	TransactionStatusSuccess TransactionStatus = "success"
	TransactionStatusFailed  TransactionStatus = "failed"
)

// Transaction はマーチャントが作成した決済取引を表す。
// Amountは小数点以下2桁までの10進文字列で保持する。
type Transaction struct {
	ID            string
	MerchantID    string
	Amount        string
	Currency      string
	CustomerEmail string
	Metadata      json.RawMessage
	Status        TransactionStatus
	Signature     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// TransactionStat はステータス別の取引集計。
type TransactionStat struct {
	Status      TransactionStatus
	Total       int64
	TotalAmount string
}
