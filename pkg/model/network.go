package model

// Network is an allocated (VLAN, subnet) pair of a cluster.
type Network struct {
	ID        uint   `gorm:"primaryKey" json:"id"`
	ReleaseID uint   `gorm:"index" json:"release"`
	ClusterID uint   `gorm:"index" json:"cluster_id"`
	Name      string `gorm:"size:100" json:"name"`
	Access    string `gorm:"size:20" json:"access"`
	CIDR      string `gorm:"size:18;uniqueIndex" json:"cidr"`
	Gateway   string `gorm:"size:15" json:"gateway"`
	VlanID    int    `gorm:"index" json:"vlan_id"`
}

// Vlan reserves a VLAN tag. The tag itself is the primary key, so a second
// insert of the same tag fails.
type Vlan struct {
	ID int `gorm:"primaryKey;autoIncrement:false" json:"id"`
}

// IPAddr binds one address of a Network to a Node.
type IPAddr struct {
	ID        uint   `gorm:"primaryKey" json:"id"`
	NetworkID uint   `gorm:"uniqueIndex:idx_ipaddr_network_address" json:"network"`
	NodeID    uint   `gorm:"index" json:"node"`
	Address   string `gorm:"size:15;uniqueIndex:idx_ipaddr_network_address" json:"ip_addr"`
}
