package store

import (
	"encoding/json"
	"time"
)

// MaxDate is the expiration date of offers that never expire.
var MaxDate = time.Date(9999, time.December, 31, 0, 0, 0, 0, time.UTC) //nolint:gochecknoglobals // constant date

// EveryoneAddress is the view address of objects visible to anybody.
const EveryoneAddress = "ALL"

// TransactionStatus is the status of the last transaction sent for an offer or a lease.
type TransactionStatus string

// Transaction statuses.
const (
	TxNone       TransactionStatus = "NONE"
	TxInProgress TransactionStatus = "IN_PROGRESS"
	TxValidated  TransactionStatus = "VALIDATED"
	TxError      TransactionStatus = "ERROR"
)

// HubReportStatus is the status of a hub report in the reward workflow.
type HubReportStatus string

// Hub report statuses.
const (
	ReportNone                   HubReportStatus = "NONE"
	ReportInvalid                HubReportStatus = "INVALID"
	ReportSent                   HubReportStatus = "SENT"
	ReportErrorSending           HubReportStatus = "ERROR_SENDING"
	ReportPendingReward          HubReportStatus = "PENDING_REWARD"
	ReportRewardTransactionError HubReportStatus = "REWARD_TRANSACTION_ERROR"
	ReportRewarded               HubReportStatus = "REWARDED"
	ReportRejected               HubReportStatus = "REJECTED"
)

// UEMRewardStatus is the status of a weekly reward.
type UEMRewardStatus string

// Reward statuses.
const (
	RewardNone             UEMRewardStatus = "NONE"
	RewardPending          UEMRewardStatus = "PENDING_REWARD"
	RewardRewarded         UEMRewardStatus = "REWARDED"
	RewardTransactionError UEMRewardStatus = "REWARD_TRANSACTION_ERROR"
	RewardPartial          UEMRewardStatus = "PARTIAL_REWARD"
)

// ChangeKind is the kind of a pending offer change.
type ChangeKind string

// Pending change kinds.
const (
	ChangeUpdate      ChangeKind = "UPDATE"
	ChangeDelete      ChangeKind = "DELETE"
	ChangeAcquisition ChangeKind = "ACQUISITION"
)

// PendingChange references an offer changelog waiting for its transaction.
type PendingChange struct {
	Kind ChangeKind `json:"kind" bson:"kind"`
	ID   string     `json:"id" bson:"id"`
}

// PendingChanges is the set of changelogs of an offer. Update and Delete appear at most once each, acquisitions
// are a set.
type PendingChanges []PendingChange

// Set references the changelog id. Update and Delete replace the previous change of the same kind.
func (p PendingChanges) Set(kind ChangeKind, id string) PendingChanges {
	out := make(PendingChanges, 0, len(p)+1)

	for _, c := range p {
		if c.ID == id || (kind != ChangeAcquisition && c.Kind == kind) {
			continue
		}

		out = append(out, c)
	}

	return append(out, PendingChange{Kind: kind, ID: id})
}

// Remove drops the changelog id.
func (p PendingChanges) Remove(id string) PendingChanges {
	out := make(PendingChanges, 0, len(p))

	for _, c := range p {
		if c.ID != id {
			out = append(out, c)
		}
	}

	return out
}

// Get returns the id of the first change of kind.
func (p PendingChanges) Get(kind ChangeKind) (string, bool) {
	for _, c := range p {
		if c.Kind == kind {
			return c.ID, true
		}
	}

	return "", false
}

// Has returns true when the changelog id is referenced.
func (p PendingChanges) Has(id string) bool {
	for _, c := range p {
		if c.ID == id {
			return true
		}
	}

	return false
}

// IDs returns the referenced changelog ids.
func (p PendingChanges) IDs() []string {
	ids := make([]string, len(p))
	for i, c := range p {
		ids[i] = c.ID
	}

	return ids
}

// Offer is a renting offer of a deed.
type Offer struct {
	ID                     string            `json:"id" bson:"id"`
	OfferID                uint64            `json:"offerId" bson:"offerId"` // chain id, 0 while unconfirmed
	NftID                  uint64            `json:"nftId" bson:"nftId"`
	Owner                  string            `json:"owner" bson:"owner"`
	CardType               int               `json:"cardType" bson:"cardType"`
	City                   int               `json:"city" bson:"city"`
	MintingPower           float64           `json:"mintingPower" bson:"mintingPower"`
	Amount                 float64           `json:"amount" bson:"amount"`
	AllDurationAmount      float64           `json:"allDurationAmount" bson:"allDurationAmount"`
	Months                 int               `json:"months" bson:"months"`
	NoticeMonths           int               `json:"noticeMonths" bson:"noticeMonths"`
	ExpirationDays         int               `json:"expirationDays" bson:"expirationDays"`
	StartDate              time.Time         `json:"startDate" bson:"startDate"`
	ExpirationDate         time.Time         `json:"expirationDate" bson:"expirationDate"`
	HostAddress            string            `json:"hostAddress" bson:"hostAddress"`
	OwnerMintingPercentage int               `json:"ownerMintingPercentage" bson:"ownerMintingPercentage"`
	Description            string            `json:"description" bson:"description"`
	Enabled                bool              `json:"enabled" bson:"enabled"`
	Acquired               bool              `json:"acquired" bson:"acquired"`
	TransactionHash        string            `json:"transactionHash" bson:"transactionHash"`
	TransactionStatus      TransactionStatus `json:"transactionStatus" bson:"transactionStatus"`
	LastCheckedBlock       uint64            `json:"lastCheckedBlock" bson:"lastCheckedBlock"`
	Pending                PendingChanges    `json:"pending" bson:"pending"`
	ViewAddresses          []string          `json:"viewAddresses" bson:"viewAddresses"`
	CreatedDate            time.Time         `json:"createdDate" bson:"createdDate"`
	ModifiedDate           time.Time         `json:"modifiedDate" bson:"modifiedDate"`
}

// Confirmed returns true once the offer exists on chain.
func (o *Offer) Confirmed() bool { return o.OfferID > 0 }

// OfferSnapshot holds the offer fields a changelog proposes.
type OfferSnapshot struct {
	Amount                 float64   `json:"amount" bson:"amount"`
	AllDurationAmount      float64   `json:"allDurationAmount" bson:"allDurationAmount"`
	Months                 int       `json:"months" bson:"months"`
	NoticeMonths           int       `json:"noticeMonths" bson:"noticeMonths"`
	ExpirationDays         int       `json:"expirationDays" bson:"expirationDays"`
	StartDate              time.Time `json:"startDate" bson:"startDate"`
	HostAddress            string    `json:"hostAddress" bson:"hostAddress"`
	OwnerMintingPercentage int       `json:"ownerMintingPercentage" bson:"ownerMintingPercentage"`
	Description            string    `json:"description" bson:"description"`
}

// OfferChangelog is a change of an offer waiting for its transaction to be mined.
type OfferChangelog struct {
	ID                string            `json:"id" bson:"id"`
	ParentID          string            `json:"parentId" bson:"parentId"`
	Kind              ChangeKind        `json:"kind" bson:"kind"`
	TransactionHash   string            `json:"transactionHash" bson:"transactionHash"`
	TransactionStatus TransactionStatus `json:"transactionStatus" bson:"transactionStatus"`
	LastCheckedBlock  uint64            `json:"lastCheckedBlock" bson:"lastCheckedBlock"`
	Snapshot          OfferSnapshot     `json:"snapshot" bson:"snapshot"`
	CreatedDate       time.Time         `json:"createdDate" bson:"createdDate"`
}

// Lease is the renting of a deed by a manager. ID is the chain lease id in decimal.
type Lease struct {
	ID                     string            `json:"id" bson:"id"`
	NftID                  uint64            `json:"nftId" bson:"nftId"`
	OfferID                string            `json:"offerId" bson:"offerId"`
	Manager                string            `json:"manager" bson:"manager"`
	Owner                  string            `json:"owner" bson:"owner"`
	CardType               int               `json:"cardType" bson:"cardType"`
	City                   int               `json:"city" bson:"city"`
	MintingPower           float64           `json:"mintingPower" bson:"mintingPower"`
	Amount                 float64           `json:"amount" bson:"amount"`
	AllDurationAmount      float64           `json:"allDurationAmount" bson:"allDurationAmount"`
	DistributedAmount      float64           `json:"distributedAmount" bson:"distributedAmount"`
	OwnerMintingPercentage int               `json:"ownerMintingPercentage" bson:"ownerMintingPercentage"`
	Months                 int               `json:"months" bson:"months"`
	NoticeMonths           int               `json:"noticeMonths" bson:"noticeMonths"`
	StartDate              time.Time         `json:"startDate" bson:"startDate"`
	EndDate                time.Time         `json:"endDate" bson:"endDate"`
	NoticeDate             time.Time         `json:"noticeDate" bson:"noticeDate"`
	PaidRentsDate          time.Time         `json:"paidRentsDate" bson:"paidRentsDate"`
	PaidMonths             int               `json:"paidMonths" bson:"paidMonths"`
	MonthPaymentInProgress int               `json:"monthPaymentInProgress" bson:"monthPaymentInProgress"`
	PendingTransactions    []string          `json:"pendingTransactions" bson:"pendingTransactions"`
	Confirmed              bool              `json:"confirmed" bson:"confirmed"`
	Enabled                bool              `json:"enabled" bson:"enabled"`
	EndingLease            bool              `json:"endingLease" bson:"endingLease"`
	EndingLeaseAddress     string            `json:"endingLeaseAddress" bson:"endingLeaseAddress"`
	TransactionStatus      TransactionStatus `json:"transactionStatus" bson:"transactionStatus"`
	LastCheckedBlock       uint64            `json:"lastCheckedBlock" bson:"lastCheckedBlock"`
	ViewAddresses          []string          `json:"viewAddresses" bson:"viewAddresses"`
	CreatedDate            time.Time         `json:"createdDate" bson:"createdDate"`
}

// Hub is a hub connected, or once connected, to WoM. Address is lowercase.
type Hub struct {
	Address        string     `json:"address" bson:"address"`
	DeedID         uint64     `json:"deedId" bson:"deedId"`
	OwnerAddress   string     `json:"ownerAddress" bson:"ownerAddress"`
	ManagerAddress string     `json:"managerAddress" bson:"managerAddress"`
	Enabled        bool       `json:"enabled" bson:"enabled"`
	UntilDate      *time.Time `json:"untilDate" bson:"untilDate"`
	CreatedDate    time.Time  `json:"createdDate" bson:"createdDate"`
	JoinDate       time.Time  `json:"joinDate" bson:"joinDate"`
	UpdatedDate    time.Time  `json:"updatedDate" bson:"updatedDate"`
	Name           string     `json:"name" bson:"name"`
	Description    string     `json:"description" bson:"description"`
	URL            string     `json:"url" bson:"url"`
	Color          string     `json:"color" bson:"color"`
	UsersCount     uint64     `json:"usersCount" bson:"usersCount"`
}

// HubReport is the weekly engagement report of a hub and its computed reward. ReportID is the lowercase hash
// of the report.
type HubReport struct {
	ReportID                           string          `json:"reportId" bson:"reportId"`
	HubAddress                         string          `json:"hubAddress" bson:"hubAddress"`
	DeedID                             uint64          `json:"deedId" bson:"deedId"`
	FromDate                           time.Time       `json:"fromDate" bson:"fromDate"`
	ToDate                             time.Time       `json:"toDate" bson:"toDate"`
	SentDate                           time.Time       `json:"sentDate" bson:"sentDate"`
	Status                             HubReportStatus `json:"status" bson:"status"`
	UsersCount                         uint64          `json:"usersCount" bson:"usersCount"`
	ParticipantsCount                  uint64          `json:"participantsCount" bson:"participantsCount"`
	RecipientsCount                    uint64          `json:"recipientsCount" bson:"recipientsCount"`
	AchievementsCount                  uint64          `json:"achievementsCount" bson:"achievementsCount"`
	HubRewardAmount                    float64         `json:"hubRewardAmount" bson:"hubRewardAmount"`
	Fraud                              bool            `json:"fraud" bson:"fraud"`
	Ed                                 float64         `json:"ed" bson:"ed"`
	Dr                                 float64         `json:"dr" bson:"dr"`
	Ds                                 float64         `json:"ds" bson:"ds"`
	Mp                                 float64         `json:"mp" bson:"mp"`
	UemRewardIndex                     float64         `json:"uemRewardIndex" bson:"uemRewardIndex"`
	LastPeriodUemRewardAmount          float64         `json:"lastPeriodUemRewardAmount" bson:"lastPeriodUemRewardAmount"`
	LastPeriodUemDiff                  float64         `json:"lastPeriodUemDiff" bson:"lastPeriodUemDiff"`
	LastPeriodUemRewardAmountPerPeriod float64         `json:"lastPeriodUemRewardAmountPerPeriod" bson:"lastPeriodUemRewardAmountPerPeriod"`
	HubRewardLastPeriodDiff            float64         `json:"hubRewardLastPeriodDiff" bson:"hubRewardLastPeriodDiff"`
	HubRewardAmountPerPeriod           float64         `json:"hubRewardAmountPerPeriod" bson:"hubRewardAmountPerPeriod"`
	UemRewardAmount                    float64         `json:"uemRewardAmount" bson:"uemRewardAmount"`
	RewardID                           string          `json:"rewardId" bson:"rewardId"`
	RewardTransactionHash              string          `json:"rewardTransactionHash" bson:"rewardTransactionHash"`
	Error                              string          `json:"error" bson:"error"`
}

// UEMReward is the reward distribution of a weekly period. ID is the date of the Monday starting it.
type UEMReward struct {
	ID                   string             `json:"id" bson:"id"`
	Hash                 string             `json:"hash" bson:"hash"`
	FromDate             time.Time          `json:"fromDate" bson:"fromDate"`
	ToDate               time.Time          `json:"toDate" bson:"toDate"`
	PeriodType           string             `json:"periodType" bson:"periodType"`
	HubAddresses         []string           `json:"hubAddresses" bson:"hubAddresses"`
	ReportIDs            []string           `json:"reportIds" bson:"reportIds"`
	ReportRewards        map[string]float64 `json:"reportRewards" bson:"reportRewards"`
	AchievementsCount    uint64             `json:"achievementsCount" bson:"achievementsCount"`
	HubRewardsAmount     float64            `json:"hubRewardsAmount" bson:"hubRewardsAmount"`
	GlobalEngagementRate float64            `json:"globalEngagementRate" bson:"globalEngagementRate"`
	UemRewardIndex       float64            `json:"uemRewardIndex" bson:"uemRewardIndex"`
	UemRewardAmount      float64            `json:"uemRewardAmount" bson:"uemRewardAmount"`
	Status               UEMRewardStatus    `json:"status" bson:"status"`
	TransactionHashes    []string           `json:"transactionHashes" bson:"transactionHashes"`
	CreatedDate          time.Time          `json:"createdDate" bson:"createdDate"`
	UpdatedDate          time.Time          `json:"updatedDate" bson:"updatedDate"`
}

// PersistedEvent is an event of the shared event log. Consumers lists the instances that processed it.
type PersistedEvent struct {
	ID          string          `json:"id" bson:"id"`
	Name        string          `json:"name" bson:"name"`
	Type        string          `json:"type" bson:"type"`
	Data        json.RawMessage `json:"data" bson:"data"`
	CreatedDate time.Time       `json:"createdDate" bson:"createdDate"`
	Consumers   []string        `json:"consumers" bson:"consumers"`
}

// Setting is a named value.
type Setting struct {
	ID    string `json:"id" bson:"id"`
	Value string `json:"value" bson:"value"`
}
