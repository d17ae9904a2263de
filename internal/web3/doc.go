// Package web3 houses read-only blockchain connectivity: the chain client
// contract, YAML chain definitions and the BalanceOracle that reports a
// principal's spendable payment-asset balance and native gas balance in
// display units.
package web3
