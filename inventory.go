package steamguard

import (
	"context"
	"net/url"
	"strconv"

	"github.com/escrow-tf/steamguard/api"
	"github.com/rotisserie/eris"
)

// Asset is one inventory item instance.
type Asset struct {
	AppId      uint   `json:"appid"`
	ContextId  string `json:"contextid"`
	AssetId    string `json:"assetid"`
	ClassId    string `json:"classid"`
	InstanceId string `json:"instanceid"`
	Amount     string `json:"amount"`
}

// Description carries the display metadata shared by assets of one class.
type Description struct {
	AppId          uint   `json:"appid"`
	ClassId        string `json:"classid"`
	InstanceId     string `json:"instanceid"`
	Tradable       int    `json:"tradable"`
	Marketable     string `json:"marketable"`
	Name           string `json:"name"`
	Type           string `json:"type"`
	MarketName     string `json:"market_name"`
	MarketHashName string `json:"market_hash_name"`
}

type inventoryPage struct {
	Assets              []Asset       `json:"assets"`
	Descriptions        []Description `json:"descriptions"`
	MoreItems           int           `json:"more_items,omitempty"`
	LastAssetId         string        `json:"last_assetid,omitempty"`
	TotalInventoryCount int           `json:"total_inventory_count"`
	Success             int           `json:"success"`
}

// Inventory is a fully paged community inventory.
type Inventory struct {
	Assets       []Asset
	Descriptions []Description
	TotalCount   int
}

// LoadInventory pages through the account's community inventory for the
// given app and context, MaxItemsPerInventoryRequest items per page.
func (h *Handler) LoadInventory(ctx context.Context, appID uint64, contextID uint64) (*Inventory, error) {
	if appID == 0 || contextID == 0 {
		return nil, eris.New("appID and contextID must be non-zero")
	}

	inventory := &Inventory{}
	startAssetID := ""

	for {
		query := url.Values{
			"l":     []string{"english"},
			"count": []string{strconv.Itoa(MaxItemsPerInventoryRequest)},
		}
		if startAssetID != "" {
			query.Set("start_assetid", startAssetID)
		}

		path := "/inventory/" + h.steamID.String() +
			"/" + strconv.FormatUint(appID, 10) +
			"/" + strconv.FormatUint(contextID, 10) +
			"?" + query.Encode()

		var page inventoryPage
		err := h.GetJSON(ctx, api.CommunityHost, path, &page, RequestOptions{})
		if err != nil {
			return nil, err
		}
		if page.Success != 1 {
			return nil, eris.Errorf("inventory request reported success=%d", page.Success)
		}

		inventory.Assets = append(inventory.Assets, page.Assets...)
		inventory.Descriptions = append(inventory.Descriptions, page.Descriptions...)
		inventory.TotalCount = page.TotalInventoryCount

		if page.MoreItems == 0 || page.LastAssetId == "" {
			return inventory, nil
		}
		startAssetID = page.LastAssetId
	}
}
