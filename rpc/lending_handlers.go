package rpc

import (
	"encoding/json"
	"math/big"
	"net/http"
	"strings"

	"creditd/ledger"
)

// Wire shapes. Amounts travel as decimal strings so precision survives JSON.

type marketResult struct {
	ID                      string `json:"id"`
	LTVBps                  uint64 `json:"ltvBps"`
	LiquidationThresholdBps uint64 `json:"liquidationThresholdBps"`
	LiquidationBonusBps     uint64 `json:"liquidationBonusBps"`
	ProtocolFeeBps          uint64 `json:"protocolFeeBps"`
	TotalSupplied           string `json:"totalSupplied"`
	TotalBorrowed           string `json:"totalBorrowed"`
	TotalSupplyShares       string `json:"totalSupplyShares"`
	SupplyIndex             string `json:"supplyIndex"`
	BorrowIndex             string `json:"borrowIndex"`
	LastAccrualTime         uint64 `json:"lastAccrualTime"`
	CreatedAt               uint64 `json:"createdAt"`
}

func marketToResult(m *ledger.Market) marketResult {
	return marketResult{
		ID:                      m.ID,
		LTVBps:                  m.LTVBps,
		LiquidationThresholdBps: m.LiquidationThresholdBps,
		LiquidationBonusBps:     m.LiquidationBonusBps,
		ProtocolFeeBps:          m.ProtocolFeeBps,
		TotalSupplied:           m.TotalSupplied.String(),
		TotalBorrowed:           m.TotalBorrowed.String(),
		TotalSupplyShares:       m.TotalSupplyShares.String(),
		SupplyIndex:             m.SupplyIndex.String(),
		BorrowIndex:             m.BorrowIndex.String(),
		LastAccrualTime:         m.LastAccrualTime,
		CreatedAt:               m.CreatedAt,
	}
}

type positionResult struct {
	MarketID      string `json:"marketId"`
	Principal     string `json:"principal"`
	IndexSnapshot string `json:"indexSnapshot"`
	CreatedAt     uint64 `json:"createdAt"`
	LastUpdated   uint64 `json:"lastUpdated"`
}

type liquidationResult struct {
	ID               string `json:"id"`
	Liquidator       string `json:"liquidator"`
	Borrower         string `json:"borrower"`
	DebtMarket       string `json:"debtMarket"`
	CollateralMarket string `json:"collateralMarket"`
	DebtRepaid       string `json:"debtRepaid"`
	CollateralSeized string `json:"collateralSeized"`
	SeizedShares     string `json:"seizedShares"`
	Timestamp        uint64 `json:"timestamp"`
}

func parseAmount(raw string) (*big.Int, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, false
	}
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok || v.Sign() < 0 {
		return nil, false
	}
	return v, true
}

func decodeParams(req *RPCRequest, out interface{}) error {
	if len(req.Params) == 0 {
		return nil
	}
	return json.Unmarshal(req.Params[0], out)
}

func (s *Server) handleCreateMarket(w http.ResponseWriter, req *RPCRequest) error {
	var params struct {
		ID                      string  `json:"id"`
		LTVBps                  uint64  `json:"ltvBps"`
		LiquidationThresholdBps uint64  `json:"liquidationThresholdBps"`
		LiquidationBonusBps     uint64  `json:"liquidationBonusBps"`
		ProtocolFeeBps          uint64  `json:"protocolFeeBps"`
		BaseAPR                 float64 `json:"baseApr"`
		Slope1APR               float64 `json:"slope1Apr"`
		Slope2APR               float64 `json:"slope2Apr"`
		OptimalUtilizationBps   uint64  `json:"optimalUtilizationBps"`
	}
	if err := decodeParams(req, &params); err != nil {
		return paramError(w, req.ID, "invalid params", err.Error())
	}
	market, err := s.engine.CreateMarket(ledger.MarketParams{
		ID:                      params.ID,
		LTVBps:                  params.LTVBps,
		LiquidationThresholdBps: params.LiquidationThresholdBps,
		LiquidationBonusBps:     params.LiquidationBonusBps,
		ProtocolFeeBps:          params.ProtocolFeeBps,
		Rates:                   ledger.NewRateModelAPR(params.BaseAPR, params.Slope1APR, params.Slope2APR, params.OptimalUtilizationBps),
	}, s.now())
	if err != nil {
		return s.writeLedgerError(w, req.ID, err)
	}
	s.log.Info("market created", "market", market.ID, "ltvBps", market.LTVBps)
	return writeResult(w, req.ID, marketToResult(market))
}

func (s *Server) handleGetMarket(w http.ResponseWriter, req *RPCRequest) error {
	var params struct {
		ID string `json:"id"`
	}
	if err := decodeParams(req, &params); err != nil {
		return paramError(w, req.ID, "invalid params", err.Error())
	}
	market, err := s.engine.Market(params.ID)
	if err != nil {
		return s.writeLedgerError(w, req.ID, err)
	}
	return writeResult(w, req.ID, marketToResult(market))
}

func (s *Server) handleListMarkets(w http.ResponseWriter, req *RPCRequest) error {
	markets, err := s.engine.Markets()
	if err != nil {
		return s.writeLedgerError(w, req.ID, err)
	}
	out := make([]marketResult, 0, len(markets))
	for _, market := range markets {
		out = append(out, marketToResult(market))
	}
	return writeResult(w, req.ID, out)
}

type userAmountParams struct {
	User   string `json:"user"`
	Market string `json:"market"`
	Amount string `json:"amount"`
}

func (s *Server) userAmount(w http.ResponseWriter, req *RPCRequest) (userAmountParams, *big.Int, error) {
	var params userAmountParams
	if err := decodeParams(req, &params); err != nil {
		return params, nil, paramError(w, req.ID, "invalid params", err.Error())
	}
	if strings.TrimSpace(params.User) == "" {
		return params, nil, paramError(w, req.ID, "user required", nil)
	}
	amount, ok := parseAmount(params.Amount)
	if !ok {
		return params, nil, paramError(w, req.ID, "amount must be a non-negative decimal string", nil)
	}
	return params, amount, nil
}

func (s *Server) handleSupply(w http.ResponseWriter, req *RPCRequest) error {
	params, amount, err := s.userAmount(w, req)
	if err != nil {
		return err
	}
	minted, err := s.engine.Supply(params.User, params.Market, amount, s.now())
	if err != nil {
		return s.writeLedgerError(w, req.ID, err)
	}
	s.log.Info("supply", "user", params.User, "market", params.Market, "amount", amount.String(), "minted", minted.String())
	return writeResult(w, req.ID, map[string]string{"mintedShares": minted.String()})
}

func (s *Server) handleWithdraw(w http.ResponseWriter, req *RPCRequest) error {
	params, units, err := s.userAmount(w, req)
	if err != nil {
		return err
	}
	amount, err := s.engine.Withdraw(params.User, params.Market, units, s.now())
	if err != nil {
		return s.writeLedgerError(w, req.ID, err)
	}
	s.log.Info("withdraw", "user", params.User, "market", params.Market, "shares", units.String(), "amount", amount.String())
	return writeResult(w, req.ID, map[string]string{"amount": amount.String()})
}

func (s *Server) handleBorrow(w http.ResponseWriter, req *RPCRequest) error {
	params, amount, err := s.userAmount(w, req)
	if err != nil {
		return err
	}
	owed, err := s.engine.Borrow(params.User, params.Market, amount, s.now())
	if err != nil {
		return s.writeLedgerError(w, req.ID, err)
	}
	s.log.Info("borrow", "user", params.User, "market", params.Market, "amount", amount.String(), "owed", owed.String())
	return writeResult(w, req.ID, map[string]string{"totalOwed": owed.String()})
}

func (s *Server) handleRepay(w http.ResponseWriter, req *RPCRequest) error {
	params, amount, err := s.userAmount(w, req)
	if err != nil {
		return err
	}
	applied, err := s.engine.Repay(params.User, params.Market, amount, s.now())
	if err != nil {
		return s.writeLedgerError(w, req.ID, err)
	}
	s.log.Info("repay", "user", params.User, "market", params.Market, "applied", applied.String())
	return writeResult(w, req.ID, map[string]string{"applied": applied.String()})
}

func (s *Server) handleLiquidate(w http.ResponseWriter, req *RPCRequest) error {
	var params struct {
		Liquidator       string `json:"liquidator"`
		Borrower         string `json:"borrower"`
		DebtMarket       string `json:"debtMarket"`
		CollateralMarket string `json:"collateralMarket"`
		Amount           string `json:"amount"`
	}
	if err := decodeParams(req, &params); err != nil {
		return paramError(w, req.ID, "invalid params", err.Error())
	}
	amount, ok := parseAmount(params.Amount)
	if !ok {
		return paramError(w, req.ID, "amount must be a non-negative decimal string", nil)
	}
	receipt, err := s.engine.Liquidate(params.Liquidator, params.Borrower, params.DebtMarket, params.CollateralMarket, amount, s.now())
	if err != nil {
		return s.writeLedgerError(w, req.ID, err)
	}
	s.metrics.RecordLiquidation()
	s.log.Info("liquidation",
		"id", receipt.ID,
		"liquidator", receipt.Liquidator,
		"borrower", receipt.Borrower,
		"repaid", receipt.DebtRepaid.String(),
		"seized", receipt.CollateralSeized.String(),
	)
	return writeResult(w, req.ID, liquidationResult{
		ID:               receipt.ID,
		Liquidator:       receipt.Liquidator,
		Borrower:         receipt.Borrower,
		DebtMarket:       receipt.DebtMarket,
		CollateralMarket: receipt.CollateralMarket,
		DebtRepaid:       receipt.DebtRepaid.String(),
		CollateralSeized: receipt.CollateralSeized.String(),
		SeizedShares:     receipt.SeizedShares.String(),
		Timestamp:        receipt.Timestamp,
	})
}

func (s *Server) handleHealthFactor(w http.ResponseWriter, req *RPCRequest) error {
	var params struct {
		User string `json:"user"`
	}
	if err := decodeParams(req, &params); err != nil {
		return paramError(w, req.ID, "invalid params", err.Error())
	}
	hf, err := s.engine.HealthFactor(params.User, s.now())
	if err != nil {
		return s.writeLedgerError(w, req.ID, err)
	}
	result := map[string]interface{}{"user": params.User}
	if hf == nil {
		result["healthFactor"] = nil
	} else {
		result["healthFactor"] = hf.FloatString(6)
	}
	return writeResult(w, req.ID, result)
}

func (s *Server) handleAccrue(w http.ResponseWriter, req *RPCRequest) error {
	var params struct {
		Market string `json:"market"`
	}
	if err := decodeParams(req, &params); err != nil {
		return paramError(w, req.ID, "invalid params", err.Error())
	}
	if err := s.engine.Accrue(params.Market, s.now()); err != nil {
		return s.writeLedgerError(w, req.ID, err)
	}
	s.metrics.RecordAccrual()
	market, err := s.engine.Market(params.Market)
	if err != nil {
		return s.writeLedgerError(w, req.ID, err)
	}
	return writeResult(w, req.ID, marketToResult(market))
}

func (s *Server) handleBalances(w http.ResponseWriter, req *RPCRequest) error {
	var params struct {
		User string `json:"user"`
	}
	if err := decodeParams(req, &params); err != nil {
		return paramError(w, req.ID, "invalid params", err.Error())
	}
	balances, err := s.engine.Balances(params.User)
	if err != nil {
		return s.writeLedgerError(w, req.ID, err)
	}
	out := make(map[string]string, len(balances))
	for id, shares := range balances {
		out[id] = shares.String()
	}
	return writeResult(w, req.ID, out)
}

func (s *Server) handlePositions(w http.ResponseWriter, req *RPCRequest) error {
	var params struct {
		User string `json:"user"`
	}
	if err := decodeParams(req, &params); err != nil {
		return paramError(w, req.ID, "invalid params", err.Error())
	}
	positions, err := s.engine.Positions(params.User)
	if err != nil {
		return s.writeLedgerError(w, req.ID, err)
	}
	out := make([]positionResult, 0, len(positions))
	for _, position := range positions {
		out = append(out, positionResult{
			MarketID:      position.MarketID,
			Principal:     position.Principal.String(),
			IndexSnapshot: position.IndexSnapshot.String(),
			CreatedAt:     position.CreatedAt,
			LastUpdated:   position.LastUpdated,
		})
	}
	return writeResult(w, req.ID, out)
}

func (s *Server) handleSetPrice(w http.ResponseWriter, req *RPCRequest) error {
	var params struct {
		Asset     string `json:"asset"`
		PriceWad  string `json:"priceWad"`
		Timestamp uint64 `json:"timestamp"`
		Source    string `json:"source"`
	}
	if err := decodeParams(req, &params); err != nil {
		return paramError(w, req.ID, "invalid params", err.Error())
	}
	price, ok := parseAmount(params.PriceWad)
	if !ok || price.Sign() == 0 {
		return paramError(w, req.ID, "priceWad must be a positive decimal string", nil)
	}
	ts := params.Timestamp
	if ts == 0 {
		ts = s.now()
	}
	if err := s.oracle.SetQuote(params.Asset, ledger.PriceQuote{PriceWad: price, Timestamp: ts, Source: params.Source}); err != nil {
		return s.writeLedgerError(w, req.ID, err)
	}
	s.log.Info("price updated", "asset", params.Asset, "priceWad", price.String(), "timestamp", ts)
	return writeResult(w, req.ID, map[string]bool{"ok": true})
}

func (s *Server) handleWithdrawFees(w http.ResponseWriter, req *RPCRequest) error {
	var params struct {
		Market string `json:"market"`
		Amount string `json:"amount"`
	}
	if err := decodeParams(req, &params); err != nil {
		return paramError(w, req.ID, "invalid params", err.Error())
	}
	amount, ok := parseAmount(params.Amount)
	if !ok {
		return paramError(w, req.ID, "amount must be a non-negative decimal string", nil)
	}
	withdrawn, err := s.engine.WithdrawProtocolFees(params.Market, amount)
	if err != nil {
		return s.writeLedgerError(w, req.ID, err)
	}
	s.log.Info("protocol fees withdrawn", "market", params.Market, "amount", withdrawn.String())
	return writeResult(w, req.ID, map[string]string{"withdrawn": withdrawn.String()})
}
