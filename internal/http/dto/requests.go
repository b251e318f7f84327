package dto

// Amounts are decimal strings ("10000.00") so no precision is lost in JSON.
type CreateLinkRequest struct {
	ProductName  string         `json:"product_name"`
	ProductPrice string         `json:"product_price"`
	LogisticsFee string         `json:"logistics_fee"`
	BuyerPhone   string         `json:"buyer_phone,omitempty"`
	BuyerEmail   string         `json:"buyer_email,omitempty"`
	Seller       *SellerRequest `json:"seller,omitempty"` // required on the first link
}

type SellerRequest struct {
	Phone       string  `json:"phone"`
	BankAccount string  `json:"bank_account"`
	BankName    *string `json:"bank_name,omitempty"`
}

type ConfirmDeliveryRequest struct {
	Code string `json:"code"`
}

type RefundRequest struct {
	Reason string `json:"reason"`
}
