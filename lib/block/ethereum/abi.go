package ethereum

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// Contract ABIs, restricted to the methods and events read or sent by the index.
const (
	rentingABI = `[
{"type":"event","name":"OfferCreated","anonymous":false,"inputs":[
	{"name":"id","type":"uint256","indexed":true},
	{"name":"deedId","type":"uint256","indexed":true},
	{"name":"owner","type":"address","indexed":true}]},
{"type":"event","name":"OfferUpdated","anonymous":false,"inputs":[
	{"name":"id","type":"uint256","indexed":true},
	{"name":"deedId","type":"uint256","indexed":true},
	{"name":"owner","type":"address","indexed":true}]},
{"type":"event","name":"OfferDeleted","anonymous":false,"inputs":[
	{"name":"id","type":"uint256","indexed":true},
	{"name":"deedId","type":"uint256","indexed":true},
	{"name":"owner","type":"address","indexed":true}]},
{"type":"event","name":"RentPaid","anonymous":false,"inputs":[
	{"name":"id","type":"uint256","indexed":true},
	{"name":"deedId","type":"uint256","indexed":true},
	{"name":"tenant","type":"address","indexed":true},
	{"name":"owner","type":"address","indexed":false},
	{"name":"paidMonths","type":"uint256","indexed":false},
	{"name":"firstRent","type":"bool","indexed":false}]},
{"type":"event","name":"LeaseEnded","anonymous":false,"inputs":[
	{"name":"id","type":"uint256","indexed":true},
	{"name":"deedId","type":"uint256","indexed":true},
	{"name":"tenant","type":"address","indexed":true},
	{"name":"leaseRemainingMonths","type":"uint256","indexed":false}]},
{"type":"event","name":"TenantEvicted","anonymous":false,"inputs":[
	{"name":"id","type":"uint256","indexed":true},
	{"name":"deedId","type":"uint256","indexed":true},
	{"name":"tenant","type":"address","indexed":true},
	{"name":"owner","type":"address","indexed":false},
	{"name":"leaseRemainingMonths","type":"uint256","indexed":false}]},
{"type":"function","name":"deedOffers","stateMutability":"view","inputs":[{"name":"","type":"uint256"}],"outputs":[
	{"name":"id","type":"uint256"},
	{"name":"deedId","type":"uint256"},
	{"name":"creator","type":"address"},
	{"name":"months","type":"uint256"},
	{"name":"noticePeriod","type":"uint256"},
	{"name":"price","type":"uint256"},
	{"name":"allDurationPrice","type":"uint256"},
	{"name":"offerStartDate","type":"uint256"},
	{"name":"offerExpirationDate","type":"uint256"},
	{"name":"offerExpirationDays","type":"uint256"},
	{"name":"authorizedTenant","type":"address"},
	{"name":"ownerMintingPercentage","type":"uint256"}]},
{"type":"function","name":"deedLeases","stateMutability":"view","inputs":[{"name":"","type":"uint256"}],"outputs":[
	{"name":"id","type":"uint256"},
	{"name":"deedId","type":"uint256"},
	{"name":"paidMonths","type":"uint256"},
	{"name":"paidRentsDate","type":"uint256"},
	{"name":"noticePeriodDate","type":"uint256"},
	{"name":"leaseStartDate","type":"uint256"},
	{"name":"leaseEndDate","type":"uint256"},
	{"name":"tenant","type":"address"}]}
]`

	deedABI = `[
{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[
	{"name":"account","type":"address"},{"name":"id","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"cardType","stateMutability":"view","inputs":[{"name":"id","type":"uint256"}],
	"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"cityIndex","stateMutability":"view","inputs":[{"name":"id","type":"uint256"}],
	"outputs":[{"name":"","type":"uint256"}]}
]`

	provisioningABI = `[
{"type":"function","name":"isProvisioningManager","stateMutability":"view","inputs":[
	{"name":"address","type":"address"},{"name":"nftId","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}
]`

	womABI = `[
{"type":"event","name":"HubConnected","anonymous":false,"inputs":[{"name":"hub","type":"address","indexed":true}]},
{"type":"event","name":"HubDisconnected","anonymous":false,"inputs":[{"name":"hub","type":"address","indexed":true}]},
{"type":"function","name":"nfts","stateMutability":"view","inputs":[{"name":"","type":"uint256"}],"outputs":[
	{"name":"city","type":"uint256"},
	{"name":"cardType","type":"uint256"},
	{"name":"mintingPower","type":"uint256"},
	{"name":"maxUsers","type":"uint256"},
	{"name":"owner","type":"address"},
	{"name":"manager","type":"address"},
	{"name":"hub","type":"address"},
	{"name":"ownerPercentage","type":"uint256"},
	{"name":"tenantPercentage","type":"uint256"}]},
{"type":"function","name":"hubs","stateMutability":"view","inputs":[{"name":"","type":"address"}],"outputs":[
	{"name":"deedId","type":"uint256"},
	{"name":"owner","type":"address"},
	{"name":"enabled","type":"bool"},
	{"name":"joinDate","type":"uint256"}]},
{"type":"function","name":"isHubConnected","stateMutability":"view","inputs":[{"name":"hub","type":"address"}],
	"outputs":[{"name":"","type":"bool"}]},
{"type":"function","name":"updateDeed","stateMutability":"nonpayable","inputs":[
	{"name":"deedId","type":"uint256"},
	{"name":"deed","type":"tuple","components":[
		{"name":"city","type":"uint256"},
		{"name":"cardType","type":"uint256"},
		{"name":"mintingPower","type":"uint256"},
		{"name":"maxUsers","type":"uint256"},
		{"name":"owner","type":"address"},
		{"name":"manager","type":"address"},
		{"name":"hub","type":"address"},
		{"name":"ownerPercentage","type":"uint256"},
		{"name":"tenantPercentage","type":"uint256"}]}],"outputs":[]}
]`

	uemABI = `[
{"type":"function","name":"periodicRewardAmount","stateMutability":"view","inputs":[],
	"outputs":[{"name":"","type":"uint256"}]}
]`
)

// contracts holds the parsed ABIs.
type contracts struct {
	renting, deed, provisioning, wom, uem abi.ABI
}

func parseABIs() (c contracts, err error) {
	for _, x := range []struct {
		dst *abi.ABI
		def string
	}{
		{&c.renting, rentingABI},
		{&c.deed, deedABI},
		{&c.provisioning, provisioningABI},
		{&c.wom, womABI},
		{&c.uem, uemABI},
	} {
		if *x.dst, err = abi.JSON(strings.NewReader(x.def)); err != nil {
			return
		}
	}

	return
}
